package core

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Standard sentinel errors for comparison using errors.Is()
// The typed errors below wrap these so callers can match either way.
var (
	// Configuration errors
	ErrConfig = errors.New("invalid telemetry configuration")

	// Plugin registry errors
	ErrDuplicateName  = errors.New("plugin name already registered")
	ErrPluginNotFound = errors.New("plugin not found")

	// Lifecycle errors
	ErrInvalidState        = errors.New("invalid lifecycle state")
	ErrAlreadyShuttingDown = errors.New("shutdown already in progress")
	ErrCleanup             = errors.New("plugin cleanup failed")
	ErrTimeout             = errors.New("operation timeout")

	// Span errors
	ErrStackMismatch = errors.New("span stack mismatch")
	ErrSpanMisuse    = errors.New("span ended out of order")
	ErrSpanClosed    = errors.New("span already ended")
)

// FieldError describes one missing or invalid configuration field.
type FieldError struct {
	Field  string
	Reason string
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Reason
}

// ConfigError lists every configuration field that failed validation.
type ConfigError struct {
	Fields []FieldError
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%v: %s", ErrConfig, strings.Join(parts, "; "))
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// Has reports whether field failed validation.
func (e *ConfigError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// DuplicateNameError is returned when a plugin name is already taken.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("plugin %q: %v", e.Name, ErrDuplicateName)
}

func (e *DuplicateNameError) Unwrap() error { return ErrDuplicateName }

// InvalidStateError is returned when an operation is not allowed in the
// current lifecycle state.
type InvalidStateError struct {
	Op    string // Operation that was rejected (e.g., "register", "init")
	State string // Lifecycle state at the time of the call
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %v (state=%s)", e.Op, ErrInvalidState, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// AlreadyShuttingDownError is returned by a second concurrent Shutdown call.
type AlreadyShuttingDownError struct{}

func (e *AlreadyShuttingDownError) Error() string { return ErrAlreadyShuttingDown.Error() }

func (e *AlreadyShuttingDownError) Unwrap() error { return ErrAlreadyShuttingDown }

// StackMismatchError is returned by the execution context store when the
// span being popped is not the top of the flow's stack.
type StackMismatchError struct {
	Expected trace.SpanID
	Actual   trace.SpanID // zero when the stack is empty
}

func (e *StackMismatchError) Error() string {
	if !e.Actual.IsValid() {
		return fmt.Sprintf("%v: expected %s, stack is empty", ErrStackMismatch, e.Expected)
	}
	return fmt.Sprintf("%v: expected %s, top is %s", ErrStackMismatch, e.Expected, e.Actual)
}

func (e *StackMismatchError) Unwrap() error { return ErrStackMismatch }

// SpanMisuseError is returned when a span is ended twice or out of order.
// The span is force-closed regardless.
type SpanMisuseError struct {
	SpanID trace.SpanID
	Reason string
	Err    error // Underlying stack error, if any
}

func (e *SpanMisuseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("span %s: %s: %v", e.SpanID, e.Reason, e.Err)
	}
	return fmt.Sprintf("span %s: %s", e.SpanID, e.Reason)
}

func (e *SpanMisuseError) Is(target error) bool { return target == ErrSpanMisuse }

func (e *SpanMisuseError) Unwrap() error { return e.Err }

// SpanClosedError is returned when mutating a span that has already ended.
type SpanClosedError struct {
	SpanID trace.SpanID
	Op     string
}

func (e *SpanClosedError) Error() string {
	return fmt.Sprintf("%s on span %s: %v", e.Op, e.SpanID, ErrSpanClosed)
}

func (e *SpanClosedError) Unwrap() error { return ErrSpanClosed }

// PluginFailure records the failure of one plugin cleanup.
type PluginFailure struct {
	Name string
	Err  error
}

// CleanupError aggregates every plugin cleanup that failed or timed out
// during shutdown.
type CleanupError struct {
	Failures []PluginFailure
}

func (e *CleanupError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Name, f.Err))
	}
	return fmt.Sprintf("%v (%d): %s", ErrCleanup, len(e.Failures), strings.Join(parts, "; "))
}

func (e *CleanupError) Is(target error) bool { return target == ErrCleanup }

// Unwrap exposes each plugin error to errors.Is / errors.As.
func (e *CleanupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Failed reports whether the named plugin is among the failures.
func (e *CleanupError) Failed(name string) bool {
	for _, f := range e.Failures {
		if f.Name == name {
			return true
		}
	}
	return false
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfig)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrAlreadyShuttingDown)
}

// IsSpanError checks if an error comes from span misuse
func IsSpanError(err error) bool {
	return errors.Is(err, ErrSpanMisuse) ||
		errors.Is(err, ErrSpanClosed) ||
		errors.Is(err, ErrStackMismatch)
}
