package telemetry

import (
	"context"
	"sync/atomic"

	"github.com/logzai/logzai-go/core"
)

// globalController holds the process-wide Controller. Reads are lock-free
// since every Start and Emit goes through it.
var globalController atomic.Pointer[Controller]

// Default returns the process-wide controller, creating it on first use.
func Default() *Controller {
	if c := globalController.Load(); c != nil {
		return c
	}
	globalController.CompareAndSwap(nil, NewController())
	return globalController.Load()
}

// SetDefault replaces the process-wide controller and returns the previous
// one. Tests use it to install a controller with a fake exporter or clock.
func SetDefault(c *Controller) *Controller {
	return globalController.Swap(c)
}

// Init initializes the process-wide controller with cfg.
func Init(ctx context.Context, cfg *core.Config) error {
	return Default().Init(ctx, cfg)
}

// InitWithOptions builds a config from defaults, LOGZAI_* environment
// variables and opts, then initializes the process-wide controller:
//
//	err := telemetry.InitWithOptions(ctx,
//	    core.WithIngestToken(token),
//	    core.WithIngestEndpoint("https://ingest.logzai.com"),
//	    core.WithServiceName("checkout"),
//	)
//	defer telemetry.Shutdown(context.Background())
func InitWithOptions(ctx context.Context, opts ...core.Option) error {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return err
	}
	return Default().Init(ctx, cfg)
}

// Shutdown shuts the process-wide controller down. See Controller.Shutdown.
func Shutdown(ctx context.Context) error {
	return Default().Shutdown(ctx)
}

// Reset returns the process-wide controller to its initial state without
// running plugin cleanups. Intended for tests.
func Reset() {
	Default().Reset()
}

// CurrentState returns the process-wide lifecycle state.
func CurrentState() State {
	return Default().State()
}

// Register adds a plugin to the process-wide registry.
func Register(ctx context.Context, name string, setup SetupFunc, config map[string]any) error {
	return Default().Register(ctx, name, setup, config)
}

// Unregister removes a plugin from the process-wide registry and runs its
// cleanup.
func Unregister(ctx context.Context, name string) error {
	return Default().Unregister(ctx, name)
}

// Plugins lists the process-wide plugins in registration order.
func Plugins() []string {
	return Default().Plugins().List()
}

// Start opens a span on the flow carried by ctx and returns the context to
// use beneath it.
func Start(ctx context.Context, name string, attrs map[string]any, opts ...StartOption) (context.Context, *SpanHandle) {
	return Default().Start(ctx, name, attrs, opts...)
}

// End closes a span.
func End(h *SpanHandle, status core.Status) error {
	return h.End(status)
}

// WithSpan runs fn inside a span that ends on every exit path.
//
//	err := telemetry.WithSpan(ctx, "charge", map[string]any{"order.id": id},
//	    func(ctx context.Context, span *telemetry.SpanHandle) error {
//	        return gateway.Charge(ctx, order)
//	    })
func WithSpan(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context, span *SpanHandle) error, opts ...StartOption) error {
	return Default().WithSpan(ctx, name, attrs, fn, opts...)
}

// Go runs fn on a new goroutine in its own flow, inside a child span.
func Go(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) error) <-chan error {
	return Default().Go(ctx, name, attrs, fn)
}

// StartDetached resumes a stored trace in a fresh flow.
func StartDetached(ctx context.Context, name, traceID, parentSpanID string, attrs map[string]any) (context.Context, *SpanHandle) {
	return Default().StartDetached(ctx, name, traceID, parentSpanID, attrs)
}

// CurrentSpan returns the live current span of the flow carried by ctx.
func CurrentSpan(ctx context.Context) (*SpanHandle, bool) {
	return Default().CurrentSpan(ctx)
}

// ClearError forgets the error condition of the flow carried by ctx.
func ClearError(ctx context.Context) {
	Default().ClearError(ctx)
}

// Emit records a log event at level.
func Emit(ctx context.Context, level core.Level, msg string, attrs map[string]any) {
	Default().Emit(ctx, level, msg, attrs)
}

// Debug emits at debug level.
func Debug(ctx context.Context, msg string, attrs map[string]any) {
	Default().Debug(ctx, msg, attrs)
}

// Info emits at info level.
func Info(ctx context.Context, msg string, attrs map[string]any) {
	Default().Info(ctx, msg, attrs)
}

// Warn emits at warn level.
func Warn(ctx context.Context, msg string, attrs map[string]any) {
	Default().Warn(ctx, msg, attrs)
}

// Error emits at error level.
func Error(ctx context.Context, msg string, attrs map[string]any) {
	Default().Error(ctx, msg, attrs)
}

// Critical emits at critical level.
func Critical(ctx context.Context, msg string, attrs map[string]any) {
	Default().Critical(ctx, msg, attrs)
}

// Exception emits an error-level event describing err.
func Exception(ctx context.Context, msg string, err error, attrs map[string]any) {
	Default().Exception(ctx, msg, err, attrs)
}
