// package etl runs pre-flight checks for migration steps.
//
// A plan is a TOML file of steps. Each step declares dependency checks (records that must exist
// before it runs) and integrity checks (assertions about the data it will touch):
//
//	[[step]]
//	name = "contacts"
//	object = "Contact"
//
//	[[step.dependency]]
//	name = "accounts migrated"
//	org = "target"
//	query = "SELECT Id FROM Account WHERE {externalIdField} != null LIMIT 1"
//	required = true
//	error_message = "run the accounts step first"
//
//	[[step.integrity]]
//	name = "no orphan contacts"
//	org = "source"
//	query = "SELECT Id FROM Contact WHERE AccountId = null LIMIT 1"
//	expect = "none"
//	severity = "warning"
package etl

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/desertthunder/orgsync/internal/shared"
)

// Kind separates dependency checks from integrity checks.
type Kind string

const (
	KindDependency Kind = "dependency"
	KindIntegrity  Kind = "integrity"
)

// Severity is how an integrity failure is reported.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// OrgRole picks the org a check queries.
type OrgRole string

const (
	OrgSource OrgRole = "source"
	OrgTarget OrgRole = "target"
)

// Expect is what a passing query returns.
type Expect string

const (
	ExpectRows Expect = "rows"
	ExpectNone Expect = "none"
)

// Check is one query-backed assertion.
type Check struct {
	Name         string   `toml:"name"`
	Kind         Kind     `toml:"-"`
	Required     bool     `toml:"required"`
	Severity     Severity `toml:"severity"`
	Query        string   `toml:"query"`
	Org          OrgRole  `toml:"org"`
	Expect       Expect   `toml:"expect"`
	ErrorMessage string   `toml:"error_message"`
}

// Blocking reports whether a failure of c makes the step invalid.
func (c Check) Blocking() bool {
	if c.Kind == KindDependency {
		return c.Required
	}
	return c.Severity == SeverityError
}

// Step is a migration step and its checks.
type Step struct {
	Name         string  `toml:"name"`
	Object       string  `toml:"object"`
	Description  string  `toml:"description"`
	Dependencies []Check `toml:"dependency"`
	Integrity    []Check `toml:"integrity"`
}

// Checks returns dependency checks followed by integrity checks.
func (s Step) Checks() []Check {
	checks := make([]Check, 0, len(s.Dependencies)+len(s.Integrity))
	checks = append(checks, s.Dependencies...)
	return append(checks, s.Integrity...)
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step `toml:"step"`
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes a plan, fills defaults and validates every check.
//
// Defaults: dependency checks query the target org and expect rows; integrity checks query the
// source org, expect no rows and have error severity.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	md, err := toml.Decode(string(data), &plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown keys %v", shared.ErrInvalidInput, undecoded)
	}

	seen := make(map[string]bool, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		step.Name = strings.TrimSpace(step.Name)
		if step.Name == "" {
			return nil, fmt.Errorf("%w: step %d has no name", shared.ErrInvalidInput, i+1)
		}
		if seen[step.Name] {
			return nil, fmt.Errorf("%w: duplicate step %q", shared.ErrInvalidInput, step.Name)
		}
		seen[step.Name] = true

		for j := range step.Dependencies {
			c := &step.Dependencies[j]
			c.Kind = KindDependency
			if c.Org == "" {
				c.Org = OrgTarget
			}
			if c.Expect == "" {
				c.Expect = ExpectRows
			}
			if err := c.validate(); err != nil {
				return nil, fmt.Errorf("step %q: %w", step.Name, err)
			}
		}
		for j := range step.Integrity {
			c := &step.Integrity[j]
			c.Kind = KindIntegrity
			if c.Org == "" {
				c.Org = OrgSource
			}
			if c.Expect == "" {
				c.Expect = ExpectNone
			}
			if c.Severity == "" {
				c.Severity = SeverityError
			}
			if err := c.validate(); err != nil {
				return nil, fmt.Errorf("step %q: %w", step.Name, err)
			}
		}
	}
	return &plan, nil
}

func (c Check) validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: %s check without a name", shared.ErrInvalidInput, c.Kind)
	case strings.TrimSpace(c.Query) == "":
		return fmt.Errorf("%w: check %q has no query", shared.ErrInvalidInput, c.Name)
	case c.Org != OrgSource && c.Org != OrgTarget:
		return fmt.Errorf("%w: check %q: org must be source or target, got %q", shared.ErrInvalidInput, c.Name, c.Org)
	case c.Expect != ExpectRows && c.Expect != ExpectNone:
		return fmt.Errorf("%w: check %q: expect must be rows or none, got %q", shared.ErrInvalidInput, c.Name, c.Expect)
	}
	if c.Kind == KindIntegrity {
		switch c.Severity {
		case SeverityError, SeverityWarning, SeverityInfo:
		default:
			return fmt.Errorf("%w: check %q: unknown severity %q", shared.ErrInvalidInput, c.Name, c.Severity)
		}
	}
	return nil
}

// Step returns the named step.
func (p *Plan) Step(name string) (Step, error) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, nil
		}
	}
	return Step{}, fmt.Errorf("%w: %s", shared.ErrStepNotFound, name)
}
