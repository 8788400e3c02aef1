package telemetry

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/logzai/logzai-go/core"
)

// fakeExporter records everything it is given.
type fakeExporter struct {
	mu          sync.Mutex
	spans       []core.Span
	logs        []core.LogEvent
	flushes     int
	closes      int
	flushResult core.FlushResult
}

func (f *fakeExporter) ExportSpan(s core.Span) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spans = append(f.spans, s)
}

func (f *fakeExporter) ExportLog(ev core.LogEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, ev)
}

func (f *fakeExporter) Flush(context.Context) core.FlushResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushResult
}

func (f *fakeExporter) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeExporter) Spans() []core.Span {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Span(nil), f.spans...)
}

func (f *fakeExporter) Logs() []core.LogEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.LogEvent(nil), f.logs...)
}

func (f *fakeExporter) Counts() (flushes, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes, f.closes
}

func (f *fakeExporter) spanNamed(name string) (core.Span, bool) {
	for _, s := range f.Spans() {
		if s.Name == name {
			return s, true
		}
	}
	return core.Span{}, false
}

func quietLogger() *TelemetryLogger {
	l := NewTelemetryLogger("test")
	l.SetOutput(io.Discard)
	return l
}

func validConfig() *core.Config {
	return &core.Config{
		IngestToken:    "pylz_v1_test",
		IngestEndpoint: "http://localhost:4318",
		ServiceName:    "unit-test",
	}
}

// newTestController returns an Uninitialized controller whose Init installs
// the returned fake exporter.
func newTestController(t *testing.T, opts ...ControllerOption) (*Controller, *fakeExporter) {
	t.Helper()
	exp := &fakeExporter{}
	base := []ControllerOption{
		WithLogger(quietLogger()),
		WithExporterFactory(func(context.Context, *core.Config) (core.Exporter, error) {
			return exp, nil
		}),
	}
	return NewController(append(base, opts...)...), exp
}

// newInitializedController is newTestController plus a successful Init.
func newInitializedController(t *testing.T, opts ...ControllerOption) (*Controller, *fakeExporter) {
	t.Helper()
	c, exp := newTestController(t, opts...)
	if err := c.Init(context.Background(), validConfig()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return c, exp
}
