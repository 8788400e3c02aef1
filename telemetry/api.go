package telemetry

import (
	"context"
	"runtime/debug"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/internal/flow"
)

// CoreAPI is what a plugin receives at setup. It is the only way plugins
// reach the recorder and emitter; the core never reaches into a plugin.
type CoreAPI interface {
	// Start opens a span on the flow carried by ctx and returns the context
	// to use beneath it. See Recorder.Start.
	Start(ctx context.Context, name string, attrs map[string]any, opts ...StartOption) (context.Context, *SpanHandle)
	// End closes a span opened with Start.
	End(h *SpanHandle, status core.Status) error
	SetAttribute(h *SpanHandle, key string, value any) error
	AddEvent(h *SpanHandle, name string, attrs map[string]any) error
	// CurrentSpan returns the live span at the top of the flow carried by ctx.
	CurrentSpan(ctx context.Context) (*SpanHandle, bool)

	// Emit records a log event correlated with the flow's current span.
	Emit(ctx context.Context, level core.Level, msg string, attrs map[string]any)

	// ClearError forgets the error condition of the flow carried by ctx.
	ClearError(ctx context.Context)

	// OnSpanEnd registers fn to receive a copy of every finished span.
	// The returned function unregisters it.
	OnSpanEnd(fn func(core.Span)) (remove func())
	// OnLog registers fn to receive a copy of every emitted log event.
	OnLog(fn func(core.LogEvent)) (remove func())

	// Logger returns the client's diagnostic logger.
	Logger() *TelemetryLogger
}

var _ CoreAPI = (*Controller)(nil)

// Spans

func (c *Controller) Start(ctx context.Context, name string, attrs map[string]any, opts ...StartOption) (context.Context, *SpanHandle) {
	return c.recorder.Start(ctx, name, attrs, opts...)
}

func (c *Controller) End(h *SpanHandle, status core.Status) error {
	return h.End(status)
}

func (c *Controller) SetAttribute(h *SpanHandle, key string, value any) error {
	return h.SetAttribute(key, value)
}

func (c *Controller) AddEvent(h *SpanHandle, name string, attrs map[string]any) error {
	return h.AddEvent(name, attrs)
}

// WithSpan runs fn inside a span. See Recorder.WithSpan.
func (c *Controller) WithSpan(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context, span *SpanHandle) error, opts ...StartOption) error {
	return c.recorder.WithSpan(ctx, name, attrs, fn, opts...)
}

// CurrentSpan returns the live span at the top of the flow carried by ctx.
func (c *Controller) CurrentSpan(ctx context.Context) (*SpanHandle, bool) {
	return c.recorder.Current(ctx)
}

// RecordError records err on the flow's current span, which makes it the
// flow's error condition until the span ends. Without a current span, err
// stays the condition until ClearError or an OK span end; a context with
// no flow records nothing.
func (c *Controller) RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if h, ok := c.recorder.Current(ctx); ok {
		_ = h.RecordError(err)
		return
	}
	c.store.SetError(flow.FromContext(ctx), err, debug.Stack())
}

func (c *Controller) ClearError(ctx context.Context) {
	c.store.ClearError(flow.FromContext(ctx))
}

// Logs

func (c *Controller) Emit(ctx context.Context, level core.Level, msg string, attrs map[string]any) {
	c.emitter.Emit(ctx, level, msg, attrs)
}

func (c *Controller) Debug(ctx context.Context, msg string, attrs map[string]any) {
	c.emitter.Debug(ctx, msg, attrs)
}

func (c *Controller) Info(ctx context.Context, msg string, attrs map[string]any) {
	c.emitter.Info(ctx, msg, attrs)
}

func (c *Controller) Warn(ctx context.Context, msg string, attrs map[string]any) {
	c.emitter.Warn(ctx, msg, attrs)
}

func (c *Controller) Error(ctx context.Context, msg string, attrs map[string]any) {
	c.emitter.Error(ctx, msg, attrs)
}

func (c *Controller) Critical(ctx context.Context, msg string, attrs map[string]any) {
	c.emitter.Critical(ctx, msg, attrs)
}

// Exception emits an error-level event carrying err's exception details.
func (c *Controller) Exception(ctx context.Context, msg string, err error, attrs map[string]any) {
	c.emitter.Exception(ctx, msg, err, attrs)
}

// Observers

func (c *Controller) OnSpanEnd(fn func(core.Span)) func() {
	return c.spanObservers.add(fn)
}

func (c *Controller) OnLog(fn func(core.LogEvent)) func() {
	return c.logObservers.add(fn)
}

// Plugins

// Register runs setup and records the plugin. See PluginRegistry.Register.
func (c *Controller) Register(ctx context.Context, name string, setup SetupFunc, config map[string]any) error {
	return c.plugins.Register(ctx, name, setup, config)
}

// Unregister removes a plugin and runs its cleanup now.
func (c *Controller) Unregister(ctx context.Context, name string) error {
	return c.plugins.Unregister(ctx, name)
}
