package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/orgsync/internal/externalid"
	"github.com/desertthunder/orgsync/internal/services"
	"github.com/desertthunder/orgsync/internal/shared"
)

// Orgs are the two sides a step is validated against. When Mapping is set, each side's query has
// its own external id field substituted for {externalIdField}.
type Orgs struct {
	Source  services.Connection
	Target  services.Connection
	Mapping *externalid.MappingConfig
}

func (o Orgs) conn(role OrgRole) services.Connection {
	if role == OrgSource {
		return o.Source
	}
	return o.Target
}

func (o Orgs) query(c Check) string {
	if o.Mapping == nil {
		return c.Query
	}
	source, target := o.Mapping.BuildQueries(c.Query)
	if c.Org == OrgSource {
		return source
	}
	return target
}

// ValidationResult is the outcome of every check in a step.
type ValidationResult struct {
	Step     string                `json:"step"`
	Errors   []shared.CheckFailure `json:"errors"`
	Warnings []shared.CheckFailure `json:"warnings"`
	Info     []shared.CheckFailure `json:"info"`
	Passed   []string              `json:"passed"`
	IsValid  bool                  `json:"is_valid"`
	Duration time.Duration         `json:"duration"`
}

// Err returns a [shared.ValidationBlockingError] listing every blocking failure, or nil when the
// step may run.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return &shared.ValidationBlockingError{Step: r.Step, Failures: r.Errors}
}

// Advisory returns a [shared.ValidationAdvisoryError] with the warning and info findings, or nil
// when there are none.
func (r ValidationResult) Advisory() error {
	if len(r.Warnings)+len(r.Info) == 0 {
		return nil
	}
	failures := make([]shared.CheckFailure, 0, len(r.Warnings)+len(r.Info))
	failures = append(failures, r.Warnings...)
	failures = append(failures, r.Info...)
	return &shared.ValidationAdvisoryError{Step: r.Step, Failures: failures}
}

// Validator evaluates step checks.
type Validator struct {
	logger *log.Logger
	now    func() time.Time
}

func NewValidator(logger *log.Logger) *Validator {
	if logger == nil {
		logger = shared.NewDiscardLogger()
	}
	return &Validator{logger: shared.WithLogger(logger, "component", "validator"), now: time.Now}
}

// Validate runs every check of step. Dependency checks run before integrity checks and a failure
// never skips the checks after it.
//
// A step is invalid when a required dependency or an error-severity integrity check fails. A
// check whose query cannot run fails with the error attached.
func (v *Validator) Validate(ctx context.Context, step Step, orgs Orgs) ValidationResult {
	return v.validate(ctx, step, orgs, nil)
}

// ValidatePlan validates each step in order, reporting progress on the channel without
// blocking. It stops early only when ctx is done.
func (v *Validator) ValidatePlan(ctx context.Context, plan *Plan, orgs Orgs, progress chan<- ProgressUpdate) []ValidationResult {
	results := make([]ValidationResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			break
		}
		results = append(results, v.validate(ctx, step, orgs, progress))
	}
	return results
}

func (v *Validator) validate(ctx context.Context, step Step, orgs Orgs, progress chan<- ProgressUpdate) ValidationResult {
	start := v.now()
	logger := shared.WithLogger(v.logger, "step", step.Name)
	res := ValidationResult{Step: step.Name}

	checks := step.Checks()
	for i, c := range checks {
		sendProgress(progress, checkUpdate(i+1, len(checks), step.Name, c))

		failure, ok := v.run(ctx, c, orgs)
		if ok {
			res.Passed = append(res.Passed, c.Name)
			logger.Debug("check passed", "check", c.Name)
			continue
		}

		switch {
		case c.Blocking():
			res.Errors = append(res.Errors, failure)
			logger.Warn("blocking check failed", "check", c.Name, "message", failure.Message, "err", failure.Cause)
		case c.Kind == KindIntegrity && c.Severity == SeverityInfo:
			res.Info = append(res.Info, failure)
			logger.Info("check failed", "check", c.Name, "message", failure.Message)
		default:
			res.Warnings = append(res.Warnings, failure)
			logger.Warn("check failed", "check", c.Name, "message", failure.Message)
		}
	}

	res.IsValid = len(res.Errors) == 0
	res.Duration = v.now().Sub(start)
	sendProgress(progress, stepDoneUpdate(len(checks), res))
	logger.Info("step validated", "valid", res.IsValid, "errors", len(res.Errors), "warnings", len(res.Warnings), "info", len(res.Info))
	return res
}

func (v *Validator) run(ctx context.Context, c Check, orgs Orgs) (shared.CheckFailure, bool) {
	failure := shared.CheckFailure{Check: c.Name, Kind: string(c.Kind), Message: c.ErrorMessage}

	conn := orgs.conn(c.Org)
	if conn == nil {
		failure.Cause = fmt.Errorf("%w: no %s org connected", shared.ErrMissingArgument, c.Org)
		failure.Message = orDefault(failure.Message, "check could not run")
		return failure, false
	}

	qr, err := conn.Query(ctx, orgs.query(c))
	if err != nil {
		failure.Cause = err
		failure.Message = orDefault(failure.Message, "check query failed")
		return failure, false
	}

	rows := max(qr.TotalSize, len(qr.Records))
	switch c.Expect {
	case ExpectNone:
		if rows == 0 {
			return failure, true
		}
		failure.Message = orDefault(failure.Message, fmt.Sprintf("expected no rows, found %d", rows))
	default:
		if rows > 0 {
			return failure, true
		}
		failure.Message = orDefault(failure.Message, "expected rows, found none")
	}
	return failure, false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
