package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Credential lifecycle errors
	ErrReconnectRequired = fmt.Errorf("organisation requires reconnection")
	ErrOrgNotConnected   = fmt.Errorf("organisation is not connected")
	ErrNoRefreshToken    = fmt.Errorf("no refresh token available")

	// Provider errors
	ErrTransient = fmt.Errorf("transient provider failure")

	// Pre-flight errors
	ErrValidationBlocked   = fmt.Errorf("validation blocked step")
	ErrValidationAdvisory  = fmt.Errorf("validation advisory")
	ErrResolutionAmbiguous = fmt.Errorf("external id detection unconfirmed")
	ErrStepNotFound        = fmt.Errorf("step not found")
	ErrUnresolvedReference = fmt.Errorf("reference not found in target org")
	ErrInvalidExternalID   = fmt.Errorf("invalid external id value")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)

// TerminalCredentialError reports a refresh token that is permanently invalid.
// The organisation must be reconnected by a human; callers never retry it.
type TerminalCredentialError struct {
	OrgID string
	Cause error
}

func (e *TerminalCredentialError) Error() string {
	return fmt.Sprintf("reconnect organisation %s: %v", e.OrgID, e.Cause)
}

func (e *TerminalCredentialError) Unwrap() []error {
	return []error{ErrReconnectRequired, e.Cause}
}

// TransientProviderError is returned once a bounded retry loop gives up on a network, 5xx or throttling failure.
type TransientProviderError struct {
	Operation string
	Attempts  int
	Cause     error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Cause)
}

func (e *TransientProviderError) Unwrap() []error {
	return []error{ErrTransient, e.Cause}
}

// CheckFailure is a single failing pre-flight check.
type CheckFailure struct {
	Check   string
	Kind    string
	Message string
	Cause   error
}

func (f CheckFailure) String() string {
	if f.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", f.Kind, f.Check, f.Message, f.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Kind, f.Check, f.Message)
}

// ValidationBlockingError aborts a step before any write. Failures lists every blocking check.
type ValidationBlockingError struct {
	Step     string
	Failures []CheckFailure
}

func (e *ValidationBlockingError) Error() string {
	return fmt.Sprintf("step %q blocked by %d failing check(s):\n  %s", e.Step, len(e.Failures), joinFailures(e.Failures))
}

func (e *ValidationBlockingError) Unwrap() error {
	return ErrValidationBlocked
}

// ValidationAdvisoryError carries warning and info findings. It never blocks a step.
type ValidationAdvisoryError struct {
	Step     string
	Failures []CheckFailure
}

func (e *ValidationAdvisoryError) Error() string {
	return fmt.Sprintf("step %q has %d advisory finding(s):\n  %s", e.Step, len(e.Failures), joinFailures(e.Failures))
}

func (e *ValidationAdvisoryError) Unwrap() error {
	return ErrValidationAdvisory
}

// ResolutionAmbiguityError marks an external id detection that fell through to the unconfirmed default.
type ResolutionAmbiguityError struct {
	Object string
	OrgID  string
	Field  string
}

func (e *ResolutionAmbiguityError) Error() string {
	return fmt.Sprintf("no external id field confirmed for %s in org %s, assuming %s", e.Object, e.OrgID, e.Field)
}

func (e *ResolutionAmbiguityError) Unwrap() error {
	return ErrResolutionAmbiguous
}

// IsReconnectRequired reports whether err means the organisation must be reconnected.
func IsReconnectRequired(err error) bool {
	return errors.Is(err, ErrReconnectRequired)
}

func joinFailures(failures []CheckFailure) string {
	lines := make([]string, 0, len(failures))
	for _, f := range failures {
		lines = append(lines, f.String())
	}
	return strings.Join(lines, "\n  ")
}
