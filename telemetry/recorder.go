package telemetry

import (
	"context"
	"maps"
	"runtime/debug"
	"sync"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/internal/flow"
	"go.opentelemetry.io/otel/trace"
)

// SpanRef identifies a span, e.g. to parent a new span explicitly.
type SpanRef struct {
	TraceID trace.TraceID
	SpanID  trace.SpanID
}

// IsValid reports whether both IDs are set.
func (r SpanRef) IsValid() bool {
	return r.TraceID.IsValid() && r.SpanID.IsValid()
}

// SpanContext converts the reference into a sampled OpenTelemetry span
// context, for propagation to other services.
func (r SpanRef) SpanContext() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    r.TraceID,
		SpanID:     r.SpanID,
		TraceFlags: trace.FlagsSampled,
	})
}

// StartOption configures Start.
type StartOption func(*startConfig)

type startConfig struct {
	parent SpanRef
}

// WithParent parents the new span to ref instead of the flow's current
// span. An invalid ref is ignored.
func WithParent(ref SpanRef) StartOption {
	return func(c *startConfig) {
		c.parent = ref
	}
}

// Recorder creates spans and tracks them on the flow stacks.
type Recorder struct {
	c    *Controller
	live sync.Map // trace.SpanID -> *SpanHandle
}

// SpanHandle is the live, mutable side of a span. It is safe for
// concurrent use; after End every mutation fails with *core.SpanClosedError.
type SpanHandle struct {
	rec  *Recorder
	flow flow.ID
	noop bool

	mu    sync.Mutex
	span  core.Span
	ended bool
	// raised is the flow condition this span recorded last, prior the one
	// it replaced. End puts prior back.
	raised, prior *flow.Condition
}

// noopSpan is returned once the controller has shut down.
var noopSpan = &SpanHandle{noop: true}

// Start creates a span on the flow carried by ctx and makes it the flow's
// current span. The parent is the WithParent reference if given, otherwise
// the flow's current span; with neither, the span starts a new trace.
//
// The returned context carries the span's flow and is the one to pass to
// child spans and logs. When ctx has no flow, as with context.Background,
// the span starts a fresh flow of its own, so unrelated callers never share
// a stack:
//
//	ctx, span := c.Start(ctx, "checkout", nil)
//	defer span.End(core.Unset())
//
// After Shutdown, Start returns ctx and a handle whose methods do nothing.
func (r *Recorder) Start(ctx context.Context, name string, attrs map[string]any, opts ...StartOption) (context.Context, *SpanHandle) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.c.State() == StateShutdown {
		return ctx, noopSpan
	}

	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, id := flow.Ensure(ctx)
	span := core.Span{
		SpanID:     spanIDs.NewSpanID(),
		Name:       name,
		StartTime:  r.c.clock.Now(),
		Attributes: make(map[string]any, len(attrs)),
	}
	maps.Copy(span.Attributes, attrs)

	if cfg.parent.IsValid() {
		span.TraceID = cfg.parent.TraceID
		span.ParentID = cfg.parent.SpanID
	} else if cur, ok := r.c.store.Current(id); ok {
		span.TraceID = cur.TraceID
		span.ParentID = cur.SpanID
	} else {
		span.TraceID = spanIDs.NewTraceID()
	}

	h := &SpanHandle{rec: r, flow: id, span: span}
	r.live.Store(span.SpanID, h)
	r.c.store.Push(id, flow.Entry{TraceID: span.TraceID, SpanID: span.SpanID})
	return ctx, h
}

// End ends h with status. See SpanHandle.End.
func (r *Recorder) End(h *SpanHandle, status core.Status) error {
	return h.End(status)
}

// Current returns the live handle of the flow's current span.
func (r *Recorder) Current(ctx context.Context) (*SpanHandle, bool) {
	e, ok := r.c.store.Current(flow.FromContext(ctx))
	if !ok {
		return nil, false
	}
	v, ok := r.live.Load(e.SpanID)
	if !ok {
		return nil, false
	}
	return v.(*SpanHandle), true
}

// WithSpan runs fn inside a span that is ended on every exit path. fn gets
// the context returned by Start. A returned error or a panic sets an error
// status and is recorded on the span; the panic is re-raised after the span
// ends. The flow's error condition is back to what it was before the call
// once WithSpan returns.
func (r *Recorder) WithSpan(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context, span *SpanHandle) error, opts ...StartOption) (err error) {
	ctx, span := r.Start(ctx, name, attrs, opts...)
	defer func() {
		if rec := recover(); rec != nil {
			perr := &PanicError{Value: rec, Stack: debug.Stack()}
			_ = span.recordError(perr, perr.Stack)
			r.endQuietly(span, core.Failed(perr))
			panic(rec)
		}
		if err != nil {
			_ = span.RecordError(err)
			r.endQuietly(span, core.Failed(err))
			return
		}
		r.endQuietly(span, core.OK())
	}()
	return fn(ctx, span)
}

func (r *Recorder) endQuietly(h *SpanHandle, status core.Status) {
	if err := h.End(status); err != nil {
		r.c.logger.Debug("Scoped span ended out of order", map[string]interface{}{
			"span":  h.span.Name,
			"error": err.Error(),
		})
	}
}

// Ref returns the span's identifiers. It is zero for a no-op handle.
func (h *SpanHandle) Ref() SpanRef {
	if h == nil || h.noop {
		return SpanRef{}
	}
	return SpanRef{TraceID: h.span.TraceID, SpanID: h.span.SpanID}
}

// TraceID returns the span's trace ID.
func (h *SpanHandle) TraceID() trace.TraceID { return h.Ref().TraceID }

// SpanID returns the span's ID.
func (h *SpanHandle) SpanID() trace.SpanID { return h.Ref().SpanID }

// IsRecording reports whether the span is live.
func (h *SpanHandle) IsRecording() bool {
	if h == nil || h.noop {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.ended
}

// Snapshot returns a copy of the span as recorded so far.
func (h *SpanHandle) Snapshot() core.Span {
	if h == nil || h.noop {
		return core.Span{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.span.Clone()
}

// SetAttribute sets one attribute on the live span.
func (h *SpanHandle) SetAttribute(key string, value any) error {
	return h.mutate("set_attribute", func(s *core.Span) {
		s.Attributes[key] = value
	})
}

// SetAttributes merges attrs into the live span's attributes.
func (h *SpanHandle) SetAttributes(attrs map[string]any) error {
	return h.mutate("set_attributes", func(s *core.Span) {
		maps.Copy(s.Attributes, attrs)
	})
}

// AddEvent appends a timestamped event to the live span.
func (h *SpanHandle) AddEvent(name string, attrs map[string]any) error {
	if h == nil || h.noop {
		return nil
	}
	now := h.rec.c.clock.Now()
	return h.mutate("add_event", func(s *core.Span) {
		s.Events = append(s.Events, core.Event{Name: name, Time: now, Attributes: maps.Clone(attrs)})
	})
}

// SetStatus sets the status the span will end with unless End overrides it.
func (h *SpanHandle) SetStatus(status core.Status) error {
	return h.mutate("set_status", func(s *core.Span) {
		s.Status = status
	})
}

// RecordError adds an exception event, marks the span as failed and makes
// err the flow's current error condition, so error logs emitted on this
// flow carry the exception details until the span ends.
func (h *SpanHandle) RecordError(err error) error {
	if err == nil {
		return nil
	}
	return h.recordError(err, debug.Stack())
}

func (h *SpanHandle) recordError(err error, stack []byte) error {
	if h == nil || h.noop {
		return nil
	}
	now := h.rec.c.clock.Now()
	return h.mutate("record_error", func(s *core.Span) {
		s.Events = append(s.Events, core.Event{
			Name:       "exception",
			Time:       now,
			Attributes: exceptionAttributes(err, stack),
		})
		s.Status = core.Failed(err)

		set, prev := h.rec.c.store.SetError(h.flow, err, stack)
		if h.raised == nil {
			h.prior = prev
		}
		h.raised = set
	})
}

func (h *SpanHandle) mutate(op string, fn func(*core.Span)) error {
	if h == nil || h.noop {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return &core.SpanClosedError{SpanID: h.span.SpanID, Op: op}
	}
	fn(&h.span)
	return nil
}

// End sets the end time and status and removes the span from its flow.
// An Unset status keeps any status set earlier.
//
// Ending a span twice, or a span that is not its flow's current span,
// returns *core.SpanMisuseError. The span is still forced closed and
// removed from the flow, and it is exported only the first time it ends.
//
// A condition recorded through this span is replaced by the one the flow
// had before. Otherwise an OK status clears the flow's error condition.
func (h *SpanHandle) End(status core.Status) error {
	if h == nil || h.noop {
		return nil
	}

	h.mu.Lock()
	if h.ended {
		id := h.span.SpanID
		h.mu.Unlock()
		return &core.SpanMisuseError{SpanID: id, Reason: "span already ended"}
	}
	h.ended = true
	h.span.EndTime = h.rec.c.clock.Now()
	if status.Code != core.StatusUnset {
		h.span.Status = status
	}
	done := h.span.Clone()
	raised, prior := h.raised, h.prior
	h.mu.Unlock()

	c := h.rec.c
	var misuse error
	if _, err := c.store.Pop(h.flow, done.SpanID); err != nil {
		c.store.Remove(h.flow, done.SpanID)
		misuse = &core.SpanMisuseError{
			SpanID: done.SpanID,
			Reason: "span is not the current span of its flow",
			Err:    err,
		}
	}
	h.rec.live.Delete(done.SpanID)

	switch {
	case raised != nil:
		c.store.RestoreError(h.flow, raised, prior)
	case done.Status.Code == core.StatusOK:
		c.store.ClearError(h.flow)
	}

	c.exportSpan(done)
	return misuse
}

// exportSpan forwards a finished span to the exporter and then to the span
// observers.
func (c *Controller) exportSpan(s core.Span) {
	if p := c.pipe.Load(); p != nil {
		p.exporter.ExportSpan(s)
		c.stats.spansExported.Add(1)
	} else {
		c.stats.spansDropped.Add(1)
	}
	if c.spanObservers.size() > 0 {
		c.spanObservers.notify(s.Clone(), c.observerPanic)
	}
}
