// Package errs holds the cross-cutting error taxonomy shared by every
// subsystem of the orchestrator core: sentinel errors for comparison with
// errors.Is, a structured wrapper for adding operation context, and typed
// configuration and infrastructure errors. Task failure classes live in
// internal/task and hook violations in internal/hooks.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrNoEligibleAgent      = errors.New("no eligible agent for task")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrCircuitOpen          = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded   = errors.New("maximum retries exceeded")
	ErrNonRecoverable       = errors.New("non-recoverable error class")
	ErrHookNotFound         = errors.New("hook not found")
	ErrHookTimeout          = errors.New("hook execution timed out")
	ErrChainStopped         = errors.New("hook chain stopped")
	ErrTaskBlocked          = errors.New("blocked by security policy")
	ErrConnectionFailed     = errors.New("broker connection failed")
	ErrAlreadyStarted       = errors.New("already started")
	ErrNotInitialized       = errors.New("not initialized")
)

// Op identifies an operation that failed, for use in FrameworkError.Op.
type Op string

// FrameworkError carries structured context about a failure: which
// operation, on which entity, wrapping which underlying error.
type FrameworkError struct {
	Op      Op
	Kind    string
	ID      string
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.ID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// New builds a FrameworkError.
func New(op Op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// WithID attaches an entity id to a FrameworkError in a fluent style.
func (e *FrameworkError) WithID(id string) *FrameworkError {
	e.ID = id
	return e
}

// ConfigurationError is fatal at process init; callers should exit non-zero.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// InfrastructureError wraps a broker/connectivity failure that the caller
// retries within bounded backoff before surfacing.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// IsRetryable reports whether err represents a transient condition worth
// retrying at the enclosing operation (not the task-level retry engine).
func IsRetryable(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra) || errors.Is(err, ErrConnectionFailed)
}
