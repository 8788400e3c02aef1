// Async span creation.
//
// A flow is bound to a context, so a goroutine that keeps using its
// parent's context shares the parent's span stack. Go starts the goroutine
// in a fresh flow instead, parented to the caller's current span.
// StartDetached does the same for work resumed later from stored IDs, such
// as a task picked up by a queue worker:
//
//	ctx, span := telemetry.StartDetached(
//	    context.Background(),
//	    "task.process",
//	    task.TraceID,
//	    task.ParentSpanID,
//	    map[string]any{"task.id": task.ID},
//	)
//	defer span.End(core.Unset())
package telemetry

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/logzai/logzai-go/internal/flow"
	"go.opentelemetry.io/otel/trace"
)

// AttrLinkType marks spans that resume a trace across an async boundary.
const AttrLinkType = "link.type"

// NewFlow returns a context that starts a new, empty flow. Spans started
// with it do not nest under spans of the parent context's flow; pass
// WithParent to keep them in the same trace.
func NewFlow(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return flow.New(ctx)
}

// Go runs fn on a new goroutine inside a span named name. The goroutine gets
// its own flow, and its span is a child of the caller's current span. The
// returned channel yields fn's error, or a *PanicError if fn panicked, and
// is then closed.
func (r *Recorder) Go(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) error) <-chan error {
	if ctx == nil {
		ctx = context.Background()
	}

	var opts []StartOption
	if cur, ok := r.c.store.Current(flow.FromContext(ctx)); ok {
		opts = append(opts, WithParent(SpanRef{TraceID: cur.TraceID, SpanID: cur.SpanID}))
	}
	child := flow.New(ctx)

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if rec := recover(); rec != nil {
				err = &PanicError{Value: rec, Stack: debug.Stack()}
			}
			// Release the flow before the caller can observe the result.
			r.c.ClearError(child)
			done <- err
			close(done)
		}()
		err = r.WithSpan(child, name, attrs, func(ctx context.Context, _ *SpanHandle) error {
			return fn(ctx)
		}, opts...)
	}()
	return done
}

// StartDetached starts a span in a fresh flow that resumes the trace
// identified by the hex-encoded traceID and parentSpanID. If either ID is
// empty or malformed the span starts a new trace. The returned context
// carries the new flow and must be used for child spans and logs.
func (r *Recorder) StartDetached(ctx context.Context, name, traceID, parentSpanID string, attrs map[string]any) (context.Context, *SpanHandle) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = flow.New(ctx)

	var opts []StartOption
	if ref, err := ParseSpanRef(traceID, parentSpanID); err == nil {
		opts = append(opts, WithParent(ref))
		merged := make(map[string]any, len(attrs)+1)
		for k, v := range attrs {
			merged[k] = v
		}
		merged[AttrLinkType] = "async_task"
		attrs = merged
	}
	return r.Start(ctx, name, attrs, opts...)
}

// ParseSpanRef parses a W3C hex trace ID (32 chars) and span ID (16 chars).
func ParseSpanRef(traceID, spanID string) (SpanRef, error) {
	if traceID == "" || spanID == "" {
		return SpanRef{}, fmt.Errorf("trace and span IDs are required")
	}
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return SpanRef{}, fmt.Errorf("invalid trace ID %q: %w", traceID, err)
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return SpanRef{}, fmt.Errorf("invalid span ID %q: %w", spanID, err)
	}
	return SpanRef{TraceID: tid, SpanID: sid}, nil
}

// Go runs fn on a new goroutine in its own flow. See Recorder.Go.
func (c *Controller) Go(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) error) <-chan error {
	return c.recorder.Go(ctx, name, attrs, fn)
}

// StartDetached resumes a stored trace in a fresh flow. See
// Recorder.StartDetached.
func (c *Controller) StartDetached(ctx context.Context, name, traceID, parentSpanID string, attrs map[string]any) (context.Context, *SpanHandle) {
	return c.recorder.StartDetached(ctx, name, traceID, parentSpanID, attrs)
}
