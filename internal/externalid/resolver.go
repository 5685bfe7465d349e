// package externalid works out which field carries the durable cross-org identifier for an
// object in a given org, and maps source fields to target fields when the two orgs differ.
//
// Orgs with the managed package installed expose the identifier as a namespaced field
// (ns__External_ID_Data_Creation__c); orgs without it use an unmanaged field of the same name or
// one of a list of legacy fields.
package externalid

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/desertthunder/orgsync/internal/services"
	"github.com/desertthunder/orgsync/internal/shared"
)

// PackageType says where the external id field comes from.
type PackageType string

const (
	PackageManaged   PackageType = "managed"
	PackageUnmanaged PackageType = "unmanaged"
)

// DetectionSource names the detection step that produced an [EnvironmentInfo].
type DetectionSource string

const (
	SourceInstalledPackage DetectionSource = "installed_package"
	SourceApexClass        DetectionSource = "apex_class"
	SourceFieldProbe       DetectionSource = "field_probe"
	SourceLegacyField      DetectionSource = "legacy_field"
	SourceDefault          DetectionSource = "default"
)

// Org is a connected org as seen by the resolver.
type Org struct {
	ID   string
	Conn services.Connection
}

// OrgFor wraps a session client.
func OrgFor(c *services.Client) Org {
	return Org{ID: c.OrgID(), Conn: c}
}

// EnvironmentInfo is the detection result for one (object, org) pair.
type EnvironmentInfo struct {
	Object          string          `json:"object"`
	OrgID           string          `json:"org_id"`
	PackageType     PackageType     `json:"package_type"`
	ExternalIDField string          `json:"external_id_field"`
	DetectedFields  []string        `json:"detected_fields"`
	FallbackUsed    bool            `json:"fallback_used"`
	Source          DetectionSource `json:"detection_source"`
	Confirmed       bool            `json:"confirmed"`

	// Ambiguity is set when nothing was confirmed and the managed default was assumed.
	Ambiguity *shared.ResolutionAmbiguityError `json:"-"`
}

// Resolver detects external id fields and resolves references. One resolver serves one run;
// its caches are never persisted.
type Resolver struct {
	namespace    string
	fieldName    string
	legacyFields []string
	logger       *log.Logger

	mu      sync.Mutex
	infos   map[infoKey]EnvironmentInfo
	lookups map[lookupKey]lookupEntry
	group   singleflight.Group
}

type infoKey struct{ object, orgID string }

// NewResolver creates a resolver for the configured namespace and field names.
func NewResolver(cfg shared.ExternalIDConfig, logger *log.Logger) (*Resolver, error) {
	if !isIdentifier(cfg.FieldName) {
		return nil, fmt.Errorf("%w: external id field %q", shared.ErrInvalidConfig, cfg.FieldName)
	}
	if cfg.Namespace != "" && !isIdentifier(cfg.Namespace) {
		return nil, fmt.Errorf("%w: namespace %q", shared.ErrInvalidConfig, cfg.Namespace)
	}
	for _, f := range cfg.LegacyFields {
		if !isIdentifier(f) {
			return nil, fmt.Errorf("%w: legacy field %q", shared.ErrInvalidConfig, f)
		}
	}
	if logger == nil {
		logger = shared.NewDiscardLogger()
	}

	return &Resolver{
		namespace:    cfg.Namespace,
		fieldName:    cfg.FieldName,
		legacyFields: cfg.LegacyFields,
		logger:       shared.WithLogger(logger, "component", "externalid"),
		infos:        make(map[infoKey]EnvironmentInfo),
		lookups:      make(map[lookupKey]lookupEntry),
	}, nil
}

// ManagedField returns the namespaced external id field, or the bare field when no namespace is
// configured.
func (r *Resolver) ManagedField() string {
	if r.namespace == "" {
		return r.fieldName
	}
	return r.namespace + "__" + r.fieldName
}

// DetectEnvironmentExternalIDInfo returns the external id field for object in org. The first
// call per (object, org) probes the org; later calls return the cached result.
//
// Detection tries, in order: the installed package list, namespaced Apex classes, the unmanaged
// field, then each legacy field. When all of them fail the managed field is assumed and the
// result is marked unconfirmed.
func (r *Resolver) DetectEnvironmentExternalIDInfo(ctx context.Context, object string, org Org) (EnvironmentInfo, error) {
	if !isIdentifier(object) {
		return EnvironmentInfo{}, fmt.Errorf("%w: object %q", shared.ErrInvalidArgument, object)
	}
	key := infoKey{object: object, orgID: org.ID}

	if info, ok := r.cachedInfo(key); ok {
		return info, nil
	}

	// Waiters share the result, so the probe outlives the first caller's cancellation.
	detached := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do("detect:"+object+"@"+org.ID, func() (any, error) {
		if info, ok := r.cachedInfo(key); ok {
			return info, nil
		}
		info, err := r.detect(detached, object, org)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.infos[key] = info
		r.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return EnvironmentInfo{}, err
	}
	return v.(EnvironmentInfo), nil
}

func (r *Resolver) cachedInfo(key infoKey) (EnvironmentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[key]
	return info, ok
}

func (r *Resolver) detect(ctx context.Context, object string, org Org) (EnvironmentInfo, error) {
	logger := shared.WithLogger(r.logger, "object", object, "org", org.ID)
	info := EnvironmentInfo{Object: object, OrgID: org.ID}

	if r.namespace != "" {
		found, err := r.packageInstalled(ctx, org.Conn)
		if fatal(ctx, err) {
			return info, err
		}
		if err != nil {
			logger.Debug("installed package query failed, checking apex classes", "err", err)
		}
		source := SourceInstalledPackage

		if !found {
			found, err = r.namespacedClasses(ctx, org.Conn)
			if fatal(ctx, err) {
				return info, err
			}
			if err != nil {
				logger.Debug("apex class query failed", "err", err)
			}
			source = SourceApexClass
		}

		if found {
			info.PackageType = PackageManaged
			info.ExternalIDField = r.ManagedField()
			info.DetectedFields = []string{info.ExternalIDField}
			info.Source = source
			info.Confirmed = true
			logger.Info("detected managed package", "field", info.ExternalIDField, "via", source)
			return info, nil
		}
	}

	ok, err := probeField(ctx, org.Conn, object, r.fieldName)
	if fatal(ctx, err) {
		return info, err
	}
	if ok {
		info.PackageType = PackageUnmanaged
		info.ExternalIDField = r.fieldName
		info.DetectedFields = []string{r.fieldName}
		info.Source = SourceFieldProbe
		info.Confirmed = true
		logger.Info("detected unmanaged field", "field", r.fieldName)
		return info, nil
	}

	for _, field := range r.legacyFields {
		ok, err := probeField(ctx, org.Conn, object, field)
		if fatal(ctx, err) {
			return info, err
		}
		if ok {
			info.PackageType = PackageUnmanaged
			info.ExternalIDField = field
			info.DetectedFields = []string{field}
			info.FallbackUsed = true
			info.Source = SourceLegacyField
			info.Confirmed = true
			logger.Info("detected legacy field", "field", field)
			return info, nil
		}
	}

	info.PackageType = PackageManaged
	if r.namespace == "" {
		info.PackageType = PackageUnmanaged
	}
	info.ExternalIDField = r.ManagedField()
	info.FallbackUsed = true
	info.Source = SourceDefault
	info.Ambiguity = &shared.ResolutionAmbiguityError{Object: object, OrgID: org.ID, Field: info.ExternalIDField}
	logger.Warn("external id field unconfirmed, using default", "field", info.ExternalIDField)
	return info, nil
}

func (r *Resolver) packageInstalled(ctx context.Context, conn services.Connection) (bool, error) {
	soql := fmt.Sprintf(
		"SELECT Id, SubscriberPackage.NamespacePrefix FROM InstalledSubscriberPackage WHERE SubscriberPackage.NamespacePrefix = '%s'",
		EscapeSOQL(r.namespace))
	res, err := services.ToolingQuery(ctx, conn, soql)
	if err != nil {
		return false, err
	}
	return len(res.Records) > 0, nil
}

func (r *Resolver) namespacedClasses(ctx context.Context, conn services.Connection) (bool, error) {
	soql := fmt.Sprintf("SELECT Id FROM ApexClass WHERE NamespacePrefix = '%s' LIMIT 1", EscapeSOQL(r.namespace))
	res, err := conn.Query(ctx, soql)
	if err != nil {
		return false, err
	}
	return len(res.Records) > 0, nil
}

// probeField reads one row selecting field. A query error means the field is absent.
func probeField(ctx context.Context, conn services.Connection, object, field string) (bool, error) {
	_, err := conn.Query(ctx, fmt.Sprintf("SELECT Id, %s FROM %s LIMIT 1", field, object))
	if err != nil {
		return false, err
	}
	return true, nil
}

// fatal reports errors that must stop detection instead of moving on to the next step.
func fatal(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() != nil || shared.IsReconnectRequired(err) || errors.Is(err, shared.ErrTransient)
}
