package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/internal/flow"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
)

// State is the lifecycle state of a Controller. Transitions are monotonic:
// Uninitialized, Initialized, ShuttingDown, Shutdown.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ExporterFactory builds the exporter installed by Init. The config has
// already been validated.
type ExporterFactory func(ctx context.Context, cfg *core.Config) (core.Exporter, error)

// pipeline is everything Init installs. It is swapped in as one pointer so
// readers never observe a half-installed state.
type pipeline struct {
	cfg      core.Config
	exporter core.Exporter
	minLevel core.Level
	console  *zerolog.Logger // nil unless MirrorToConsole
}

// counters track the client's own health.
type counters struct {
	spansExported      atomic.Int64
	spansDropped       atomic.Int64
	logsExported       atomic.Int64
	logsDropped        atomic.Int64
	transportErrors    atomic.Int64
	observerPanics     atomic.Int64
	lastTransportError atomic.Value // string
}

func (s *counters) reset() {
	s.spansExported.Store(0)
	s.spansDropped.Store(0)
	s.logsExported.Store(0)
	s.logsDropped.Store(0)
	s.transportErrors.Store(0)
	s.observerPanics.Store(0)
	s.lastTransportError.Store("")
}

// Controller owns the telemetry pipeline of one process: the span recorder,
// the log emitter, the plugin registry and the init/shutdown state machine.
// Most programs use the process-wide instance returned by Default.
type Controller struct {
	state atomic.Int32
	mu    sync.Mutex // serialises Init and Reset
	pipe  atomic.Pointer[pipeline]

	store   *flow.Store
	clock   clockz.Clock
	logger  *TelemetryLogger
	console io.Writer

	newExporter ExporterFactory

	recorder *Recorder
	emitter  *Emitter
	plugins  *PluginRegistry

	spanObservers observerList[core.Span]
	logObservers  observerList[core.LogEvent]

	stats     counters
	startTime time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock sets the clock used for span and log timestamps.
func WithClock(clock clockz.Clock) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithExporterFactory replaces the OTLP exporter built by Init.
func WithExporterFactory(f ExporterFactory) ControllerOption {
	return func(c *Controller) {
		if f != nil {
			c.newExporter = f
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *TelemetryLogger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConsoleOutput sets where MirrorToConsole writes. Defaults to stdout.
func WithConsoleOutput(w io.Writer) ControllerOption {
	return func(c *Controller) {
		if w != nil {
			c.console = w
		}
	}
}

// NewController creates an Uninitialized controller.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		store:     flow.NewStore(),
		clock:     clockz.RealClock,
		console:   os.Stdout,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = GetLogger()
	}
	if c.newExporter == nil {
		c.newExporter = func(ctx context.Context, cfg *core.Config) (core.Exporter, error) {
			return NewOTLPExporter(ctx, cfg, WithSpanConsoleWriter(c.console))
		}
	}
	c.recorder = &Recorder{c: c}
	c.emitter = &Emitter{c: c}
	c.plugins = &PluginRegistry{c: c, reserved: make(map[string]struct{})}
	c.stats.lastTransportError.Store("")
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Recorder returns the span recorder.
func (c *Controller) Recorder() *Recorder { return c.recorder }

// Emitter returns the log emitter.
func (c *Controller) Emitter() *Emitter { return c.emitter }

// Plugins returns the plugin registry.
func (c *Controller) Plugins() *PluginRegistry { return c.plugins }

// Logger returns the diagnostic logger.
func (c *Controller) Logger() *TelemetryLogger { return c.logger }

// Config returns a copy of the installed configuration.
func (c *Controller) Config() (core.Config, bool) {
	p := c.pipe.Load()
	if p == nil {
		return core.Config{}, false
	}
	return p.cfg, true
}

// Init validates cfg, builds the exporter and installs the pipeline.
//
// Missing or invalid fields are all reported in a single *core.ConfigError
// and nothing is installed. Calling Init again while Initialized logs a
// warning and returns nil. Init after Shutdown has begun returns
// *core.InvalidStateError.
func (c *Controller) Init(ctx context.Context, cfg *core.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.State(); st {
	case StateInitialized:
		c.logger.Warn("Telemetry already initialized, ignoring re-init", map[string]interface{}{
			"state": st.String(),
		})
		return nil
	case StateShuttingDown, StateShutdown:
		return &core.InvalidStateError{Op: "init", State: st.String()}
	}

	var resolved core.Config
	if cfg != nil {
		resolved = *cfg
	}
	resolved.ApplyDefaults()

	c.logger.Info("Telemetry initialization starting", map[string]interface{}{
		"service_name": resolved.ServiceName,
		"endpoint":     resolved.IngestEndpoint,
		"protocol":     resolved.Protocol,
		"environment":  resolved.Environment,
	})

	if err := resolved.Validate(); err != nil {
		c.logger.Error("Telemetry initialization failed", map[string]interface{}{
			"error":  err.Error(),
			"action": "Provide ingest_token and ingest_endpoint",
			"impact": "No spans or logs will be sent",
		})
		return err
	}

	exporter, err := c.newExporter(ctx, &resolved)
	if err != nil {
		c.logger.Error("Telemetry initialization failed", map[string]interface{}{
			"error":    err.Error(),
			"endpoint": resolved.IngestEndpoint,
			"impact":   "No spans or logs will be sent",
		})
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	p := &pipeline{
		cfg:      resolved,
		exporter: exporter,
		minLevel: resolved.Level(),
	}
	if resolved.MirrorToConsole {
		console := newConsoleLogger(c.console)
		p.console = &console
	}

	installErrorHandler(c)

	c.pipe.Store(p)
	c.state.Store(int32(StateInitialized))

	c.logger.Info("Telemetry system initialized successfully", map[string]interface{}{
		"service_name":      resolved.ServiceName,
		"mirror_to_console": resolved.MirrorToConsole,
		"min_level":         p.minLevel.String(),
		"plugins":           c.plugins.Len(),
	})
	return nil
}

// Shutdown flushes the exporter, runs every plugin cleanup in reverse
// registration order and closes the exporter.
//
// The deadline of ctx is the overall budget; without one the configured
// ShutdownTimeout applies. The flush phase gets FlushShare of it, and each
// cleanup gets an equal share of what is left for the remaining cleanups.
// A cleanup that overruns is abandoned and reported with core.ErrTimeout.
// Failures are collected into one *core.CleanupError; the controller ends
// in StateShutdown regardless.
//
// A second call while the first is running returns
// *core.AlreadyShuttingDownError. Calls after completion return nil.
func (c *Controller) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !c.state.CompareAndSwap(int32(StateInitialized), int32(StateShuttingDown)) {
		switch st := c.State(); st {
		case StateShuttingDown:
			return &core.AlreadyShuttingDownError{}
		case StateShutdown:
			return nil
		default:
			return &core.InvalidStateError{Op: "shutdown", State: st.String()}
		}
	}

	p := c.pipe.Load()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		defer cancel()
	}

	started := time.Now()
	c.logger.Info("Shutting down telemetry system", map[string]interface{}{
		"plugins":        c.plugins.Len(),
		"spans_exported": c.stats.spansExported.Load(),
		"logs_exported":  c.stats.logsExported.Load(),
		"uptime_ms":      time.Since(c.startTime).Milliseconds(),
	})

	// Phase 1: flush.
	flushCtx, cancelFlush := context.WithTimeout(ctx, time.Duration(float64(remaining(ctx))*p.cfg.FlushShare))
	result := p.exporter.Flush(flushCtx)
	cancelFlush()
	if result != core.FlushSuccess {
		c.logger.Warn("Telemetry flush incomplete", map[string]interface{}{
			"result": result.String(),
			"impact": "Some buffered spans or logs may be lost",
		})
	} else {
		c.logger.Debug("Telemetry flush complete", nil)
	}

	// Phase 2: plugin cleanups, newest first.
	failures := c.runCleanups(ctx, c.plugins.drain())

	// Phase 3: close transport.
	if err := p.exporter.Close(ctx); err != nil {
		c.logger.Warn("Error during exporter shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	c.pipe.Store(nil)
	c.state.Store(int32(StateShutdown))

	c.logger.Info("Telemetry system shut down complete", map[string]interface{}{
		"cleanup_failures": len(failures),
		"duration_ms":      time.Since(started).Milliseconds(),
	})

	if len(failures) > 0 {
		return &core.CleanupError{Failures: failures}
	}
	return nil
}

func (c *Controller) runCleanups(ctx context.Context, regs []*registration) []core.PluginFailure {
	pending := 0
	for _, reg := range regs {
		if reg.cleanup != nil {
			pending++
		}
	}

	var failures []core.PluginFailure
	for i := len(regs) - 1; i >= 0; i-- {
		reg := regs[i]
		if reg.cleanup == nil {
			continue
		}
		budget := remaining(ctx) / time.Duration(pending)
		pending--

		if err := c.awaitCleanup(ctx, reg.cleanup, budget); err != nil {
			c.logger.Error("Plugin cleanup failed", map[string]interface{}{
				"plugin": reg.name,
				"error":  err.Error(),
			})
			failures = append(failures, core.PluginFailure{Name: reg.name, Err: err})
			continue
		}
		c.logger.Debug("Plugin cleaned up", map[string]interface{}{"plugin": reg.name})
	}
	return failures
}

// awaitCleanup starts cl and waits for it at most budget. An abandoned
// asynchronous cleanup keeps running with a cancelled context.
func (c *Controller) awaitCleanup(ctx context.Context, cl Cleanup, budget time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := beginCleanup(cctx, cl)

	// A synchronous cleanup has already finished; prefer its result even if
	// the budget ran out while it executed.
	select {
	case err := <-done:
		return err
	default:
	}

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return fmt.Errorf("cleanup abandoned after %s: %w", budget.Round(time.Millisecond), core.ErrTimeout)
	}
}

// Reset returns the controller to StateUninitialized without running any
// plugin cleanup. It exists for test isolation.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p := c.pipe.Swap(nil); p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = p.exporter.Close(ctx)
		cancel()
	}
	transportErrorOwner.CompareAndSwap(c, nil)
	c.plugins.reset()
	c.store.Reset()
	c.spanObservers.clear()
	c.logObservers.clear()
	c.stats.reset()
	c.startTime = time.Now()
	c.state.Store(int32(StateUninitialized))
}

// transportErrorOwner is the controller OpenTelemetry errors are reported
// to. The global handler is installed once and forwards to it; with no
// owner errors are dropped.
var (
	transportErrorOwner atomic.Pointer[Controller]
	errorHandlerOnce    sync.Once
)

func installErrorHandler(c *Controller) {
	transportErrorOwner.Store(c)
	errorHandlerOnce.Do(func() {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			if owner := transportErrorOwner.Load(); owner != nil {
				owner.handleTransportError(err)
			}
		}))
	})
}

// handleTransportError receives the OpenTelemetry errors of its owner. The
// first failure is logged; later ones are only counted.
func (c *Controller) handleTransportError(err error) {
	if err == nil {
		return
	}
	n := c.stats.transportErrors.Add(1)
	c.stats.lastTransportError.Store(err.Error())
	if n == 1 {
		c.logger.Warn("Telemetry export failed, further transport errors are counted only", map[string]interface{}{
			"error":  err.Error(),
			"action": "Check ingest endpoint and token",
		})
		return
	}
	c.logger.Debug("Telemetry export failed", map[string]interface{}{
		"error": err.Error(),
		"count": n,
	})
}

func (c *Controller) observerPanic(r any) {
	c.stats.observerPanics.Add(1)
	c.logger.Error("Telemetry observer panicked", map[string]interface{}{
		"panic": fmt.Sprint(r),
	})
}

func remaining(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	if d := time.Until(dl); d > 0 {
		return d
	}
	return 0
}
