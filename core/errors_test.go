package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	sid := trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8}

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"config", &ConfigError{Fields: []FieldError{{Field: "ingest_token", Reason: "is required"}}}, ErrConfig},
		{"duplicate", &DuplicateNameError{Name: "http"}, ErrDuplicateName},
		{"invalid state", &InvalidStateError{Op: "init", State: "shutdown"}, ErrInvalidState},
		{"shutting down", &AlreadyShuttingDownError{}, ErrAlreadyShuttingDown},
		{"stack mismatch", &StackMismatchError{Expected: sid}, ErrStackMismatch},
		{"misuse", &SpanMisuseError{SpanID: sid, Reason: "ended twice"}, ErrSpanMisuse},
		{"closed", &SpanClosedError{SpanID: sid, Op: "set_attribute"}, ErrSpanClosed},
		{"cleanup", &CleanupError{Failures: []PluginFailure{{Name: "a", Err: errors.New("x")}}}, ErrCleanup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsConfigurationError(&ConfigError{}))
	assert.False(t, IsConfigurationError(ErrTimeout))

	assert.True(t, IsStateError(&InvalidStateError{Op: "register", State: "shutting_down"}))
	assert.True(t, IsStateError(&AlreadyShuttingDownError{}))
	assert.False(t, IsStateError(ErrCleanup))

	assert.True(t, IsSpanError(&SpanClosedError{}))
	assert.True(t, IsSpanError(&StackMismatchError{}))
	assert.True(t, IsSpanError(&SpanMisuseError{}))
	assert.False(t, IsSpanError(nil))
}

func TestSpanMisuseError_WrapsStackError(t *testing.T) {
	stack := &StackMismatchError{Expected: trace.SpanID{1}, Actual: trace.SpanID{2}}
	err := &SpanMisuseError{SpanID: trace.SpanID{1}, Reason: "ended out of order", Err: stack}

	assert.ErrorIs(t, err, ErrSpanMisuse)
	assert.ErrorIs(t, err, ErrStackMismatch)

	var got *StackMismatchError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, trace.SpanID{2}, got.Actual)
	assert.Contains(t, err.Error(), "top is")
}

func TestStackMismatchError_EmptyStack(t *testing.T) {
	err := &StackMismatchError{Expected: trace.SpanID{9}}
	assert.Contains(t, err.Error(), "stack is empty")
}

func TestCleanupError_ExposesEachFailure(t *testing.T) {
	boom := errors.New("boom")
	err := &CleanupError{Failures: []PluginFailure{
		{Name: "db", Err: boom},
		{Name: "queue", Err: fmt.Errorf("abandoned: %w", ErrTimeout)},
	}}

	assert.ErrorIs(t, err, ErrCleanup)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, err.Failed("queue"))
	assert.False(t, err.Failed("cache"))
	assert.Contains(t, err.Error(), "(2)")
	assert.Contains(t, err.Error(), "db: boom")
}

func TestConfigError_Message(t *testing.T) {
	err := &ConfigError{Fields: []FieldError{
		{Field: "ingest_token", Reason: "is required"},
		{Field: "ingest_endpoint", Reason: "is required"},
	}}

	assert.Equal(t, "invalid telemetry configuration: ingest_token: is required; ingest_endpoint: is required", err.Error())
	assert.True(t, err.Has("ingest_endpoint"))
	assert.False(t, err.Has("protocol"))
}
