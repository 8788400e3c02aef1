// Trace context extraction for log correlation and propagation.
//
// GetTraceContext returns the identifiers of the flow's current span so
// they can be written into logs that bypass the emitter, or forwarded to
// another service:
//
//	tc := telemetry.GetTraceContext(ctx)
//	logger.Info("Processing request", map[string]interface{}{
//	    "trace_id": tc.TraceID,
//	    "span_id":  tc.SpanID,
//	})
//
// AddSpanEvent, RecordSpanError and SetSpanAttributes act on the same
// current span and are no-ops when the flow has none.
package telemetry

import (
	"context"
	"fmt"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/internal/flow"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds trace and span identifiers for log correlation.
type TraceContext struct {
	// TraceID is the 32-character hex trace identifier (e.g., "ad941a390c5c6d4d0f878eec73bdc478")
	TraceID string

	// SpanID is the 16-character hex span identifier (e.g., "84834e2917631e82")
	SpanID string
}

// IsValid reports whether the context names a span.
func (tc TraceContext) IsValid() bool {
	return tc.TraceID != "" && tc.SpanID != ""
}

// Traceparent renders the W3C traceparent header value, or "" when invalid.
func (tc TraceContext) Traceparent() string {
	if !tc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-01", tc.TraceID, tc.SpanID)
}

// TraceContext returns the identifiers of the current span of the flow
// carried by ctx. Both fields are empty when the flow has no span.
func (c *Controller) TraceContext(ctx context.Context) TraceContext {
	e, ok := c.store.Current(flow.FromContext(ctx))
	if !ok {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: e.TraceID.String(),
		SpanID:  e.SpanID.String(),
	}
}

// SpanContext returns the flow's current span as an OpenTelemetry span
// context, ready for a TextMapPropagator. It is invalid when the flow has
// no span.
func (c *Controller) SpanContext(ctx context.Context) trace.SpanContext {
	e, ok := c.store.Current(flow.FromContext(ctx))
	if !ok {
		return trace.SpanContext{}
	}
	return SpanRef{TraceID: e.TraceID, SpanID: e.SpanID}.SpanContext()
}

// GetTraceContext extracts the current span identifiers from the default
// controller.
func GetTraceContext(ctx context.Context) TraceContext {
	return Default().TraceContext(ctx)
}

// HasTraceContext returns true if the flow carried by ctx has a current span.
func HasTraceContext(ctx context.Context) bool {
	return GetTraceContext(ctx).IsValid()
}

// AddSpanEvent adds a named event to the flow's current span.
//
//	telemetry.AddSpanEvent(ctx, "cache_miss", map[string]any{"key": k})
func AddSpanEvent(ctx context.Context, name string, attrs map[string]any) {
	if h, ok := Default().CurrentSpan(ctx); ok {
		_ = h.AddEvent(name, attrs)
	}
}

// RecordSpanError records err on the flow's current span and makes it the
// flow's error condition, so error logs carry its details until the span
// ends.
//
//	if err != nil {
//	    telemetry.RecordSpanError(ctx, err)
//	    return err
//	}
func RecordSpanError(ctx context.Context, err error) {
	Default().RecordError(ctx, err)
}

// SetSpanAttributes adds attributes to the flow's current span.
func SetSpanAttributes(ctx context.Context, attrs map[string]any) {
	if h, ok := Default().CurrentSpan(ctx); ok {
		_ = h.SetAttributes(attrs)
	}
}

// SetSpanStatus sets the status the flow's current span will end with.
func SetSpanStatus(ctx context.Context, status core.Status) {
	if h, ok := Default().CurrentSpan(ctx); ok {
		_ = h.SetStatus(status)
	}
}
