// Package telemetrytest provides an in-memory exporter and a ready-made
// controller for testing code that emits telemetry.
//
//	c, exp := telemetrytest.NewController(t)
//	c.Info(ctx, "hello", nil)
//	require.Len(t, exp.Logs(), 1)
package telemetrytest

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/telemetry"
)

// Exporter keeps every span and log event in memory.
type Exporter struct {
	mu      sync.Mutex
	spans   []core.Span
	logs    []core.LogEvent
	flushes int
	closed  bool
}

var _ core.Exporter = (*Exporter)(nil)

func (e *Exporter) ExportSpan(s core.Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, s)
}

func (e *Exporter) ExportLog(ev core.LogEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, ev)
}

func (e *Exporter) Flush(context.Context) core.FlushResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
	return core.FlushSuccess
}

func (e *Exporter) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Spans returns the exported spans in end order.
func (e *Exporter) Spans() []core.Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Span(nil), e.spans...)
}

// Logs returns the exported log events in emit order.
func (e *Exporter) Logs() []core.LogEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.LogEvent(nil), e.logs...)
}

// Span returns the first exported span called name.
func (e *Exporter) Span(name string) (core.Span, bool) {
	for _, s := range e.Spans() {
		if s.Name == name {
			return s, true
		}
	}
	return core.Span{}, false
}

// Closed reports whether Close was called.
func (e *Exporter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Reset forgets everything exported so far.
func (e *Exporter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = nil
	e.logs = nil
}

// Config returns a valid configuration pointing at a dummy endpoint.
func Config() *core.Config {
	return &core.Config{
		IngestToken:    "pylz_v1_test",
		IngestEndpoint: "http://localhost:4318",
		ServiceName:    "telemetrytest",
	}
}

// NewController returns an initialized controller whose exporter is the
// returned in-memory Exporter. Diagnostic logging is discarded. The
// controller is shut down when the test ends, if the test has not done so.
func NewController(t testing.TB, opts ...telemetry.ControllerOption) (*telemetry.Controller, *Exporter) {
	t.Helper()

	exp := &Exporter{}
	logger := telemetry.NewTelemetryLogger("telemetrytest")
	logger.SetOutput(io.Discard)

	base := []telemetry.ControllerOption{
		telemetry.WithLogger(logger),
		telemetry.WithExporterFactory(func(context.Context, *core.Config) (core.Exporter, error) {
			return exp, nil
		}),
	}
	c := telemetry.NewController(append(base, opts...)...)
	if err := c.Init(context.Background(), Config()); err != nil {
		t.Fatalf("telemetrytest: init failed: %v", err)
	}
	t.Cleanup(func() {
		if c.State() == telemetry.StateInitialized {
			_ = c.Shutdown(context.Background())
		}
	})
	return c, exp
}
