package externalid

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/desertthunder/orgsync/internal/shared"
)

// Pattern is how a reference field reaches the external id of the record it points to.
type Pattern int

const (
	// PatternIndirect references hold a plain record ID (the record's own, or another record
	// in the same batch). The referenced record's external id is read from the source org
	// and matched against the target.
	PatternIndirect Pattern = 1
	// PatternDirect references traverse a relationship straight into the referenced object's
	// external id field. The referenced record must already exist in the target.
	PatternDirect Pattern = 2
)

func (p Pattern) String() string {
	switch p {
	case PatternIndirect:
		return "indirect"
	case PatternDirect:
		return "direct"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

// ClassifyLookup returns [PatternDirect] for relationship traversals such as
// "Parent__r.ns__External_ID_Data_Creation__c" and [PatternIndirect] otherwise.
func ClassifyLookup(field string) Pattern {
	if strings.Contains(field, ".") {
		return PatternDirect
	}
	return PatternIndirect
}

// IsValidExternalIDValue reports whether v can be matched against a target record: any string
// that is not blank. A value equal to the record's own ID is valid.
func IsValidExternalIDValue(v string) bool {
	return strings.TrimSpace(v) != ""
}

var soqlEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\f", `\f`,
)

// EscapeSOQL escapes s for use inside a single-quoted SOQL literal.
func EscapeSOQL(s string) string {
	return soqlEscaper.Replace(s)
}

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	fieldPathRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)
)

func isIdentifier(s string) bool { return identifierRe.MatchString(s) }

func isFieldPath(s string) bool { return fieldPathRe.MatchString(s) }

// TargetLookupQuery finds the target record whose external id field equals value.
func TargetLookupQuery(object, targetField, value string) (string, error) {
	if !isIdentifier(object) || !isIdentifier(targetField) {
		return "", fmt.Errorf("%w: %s.%s", shared.ErrInvalidArgument, object, targetField)
	}
	return fmt.Sprintf("SELECT Id FROM %s WHERE %s = '%s' LIMIT 1", object, targetField, EscapeSOQL(value)), nil
}

// SourceExtractionQuery reads sourceField of one source record.
func SourceExtractionQuery(object, sourceField, id string) (string, error) {
	if !isIdentifier(object) || !isFieldPath(sourceField) {
		return "", fmt.Errorf("%w: %s.%s", shared.ErrInvalidArgument, object, sourceField)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE Id = '%s' LIMIT 1", sourceField, object, EscapeSOQL(id)), nil
}

// Reference is a lookup value read from a source record.
type Reference struct {
	// Object is the referenced object.
	Object string
	// Field is the lookup as read on the source record, e.g. "AccountId" or
	// "Account.ns__External_ID_Data_Creation__c".
	Field string
	// Value is what Field held: a source record ID for indirect references, an external id for
	// direct ones.
	Value string
}

type lookupKey struct{ orgID, object, field, value string }

type lookupEntry struct {
	value string
	found bool
}

// ResolveReference maps a source reference to the ID of the matching target record, using m
// for the referenced object. A reference with no match returns [shared.ErrUnresolvedReference].
//
// Lookups are cached for the life of the resolver, misses included.
func (r *Resolver) ResolveReference(ctx context.Context, m MappingConfig, source, target Org, ref Reference) (string, error) {
	value := ref.Value
	if ClassifyLookup(ref.Field) == PatternIndirect {
		if !IsValidExternalIDValue(value) {
			return "", fmt.Errorf("%w: empty reference in %s", shared.ErrInvalidExternalID, ref.Field)
		}
		extracted, err := r.ExtractSourceValue(ctx, source, ref.Object, m.SourceField, value)
		if err != nil {
			return "", err
		}
		value = extracted
	}
	if !IsValidExternalIDValue(value) {
		return "", fmt.Errorf("%w: %s on %s %q", shared.ErrInvalidExternalID, m.SourceField, ref.Object, ref.Value)
	}

	id, found, err := r.LookupTargetID(ctx, target, ref.Object, m.TargetField, value)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %s where %s = %q", shared.ErrUnresolvedReference, ref.Object, m.TargetField, value)
	}
	return id, nil
}

// ExtractSourceValue reads field of the source record id. A missing record or empty field
// returns "".
func (r *Resolver) ExtractSourceValue(ctx context.Context, source Org, object, field, id string) (string, error) {
	soql, err := SourceExtractionQuery(object, field, id)
	if err != nil {
		return "", err
	}
	entry, err := r.cachedLookup(ctx, lookupKey{"source:" + source.ID, object, field, id}, func(ctx context.Context) (lookupEntry, error) {
		res, err := source.Conn.Query(ctx, soql)
		if err != nil {
			return lookupEntry{}, fmt.Errorf("failed to read %s.%s for %s: %w", object, field, id, err)
		}
		rec, ok := res.First()
		if !ok {
			return lookupEntry{}, nil
		}
		v := rec.Get(field).String()
		return lookupEntry{value: v, found: v != ""}, nil
	})
	return entry.value, err
}

// LookupTargetID finds the target record whose field equals value.
func (r *Resolver) LookupTargetID(ctx context.Context, target Org, object, field, value string) (string, bool, error) {
	soql, err := TargetLookupQuery(object, field, value)
	if err != nil {
		return "", false, err
	}
	entry, err := r.cachedLookup(ctx, lookupKey{"target:" + target.ID, object, field, value}, func(ctx context.Context) (lookupEntry, error) {
		res, err := target.Conn.Query(ctx, soql)
		if err != nil {
			return lookupEntry{}, fmt.Errorf("failed to look up %s by %s: %w", object, field, err)
		}
		rec, ok := res.First()
		if !ok {
			return lookupEntry{}, nil
		}
		return lookupEntry{value: rec.Get("Id").String(), found: true}, nil
	})
	return entry.value, entry.found, err
}

func (r *Resolver) cachedLookup(ctx context.Context, key lookupKey, fetch func(ctx context.Context) (lookupEntry, error)) (lookupEntry, error) {
	r.mu.Lock()
	entry, ok := r.lookups[key]
	r.mu.Unlock()
	if ok {
		return entry, nil
	}

	detached := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(strings.Join([]string{"lookup", key.orgID, key.object, key.field, key.value}, "\x00"), func() (any, error) {
		entry, err := fetch(detached)
		if err != nil {
			return lookupEntry{}, err
		}
		r.mu.Lock()
		r.lookups[key] = entry
		r.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return lookupEntry{}, err
	}
	return v.(lookupEntry), nil
}
