/*
Package telemetry is the logzai client: it records spans and log events,
correlates them per flow and ships them to the ingest backend over OTLP.

Architecture Overview:

  - Controller: the init/shutdown state machine that owns everything below
  - Recorder: creates spans and keeps each flow's stack of active spans
  - Emitter: builds log events and tags them with the flow's current span
  - PluginRegistry: integrations that attach through CoreAPI and are
    cleaned up in reverse registration order at shutdown
  - OTLPExporter: OpenTelemetry SDK batch processors for both signals

Flows:

A flow is one logical line of execution, identified by a value carried in
context.Context. Start returns the context of the span's flow; spans and logs
given that context (or one derived from it) nest under the span. A context
without a flow, such as context.Background, never shares a stack: Start gives
it a fresh flow. A goroutine that keeps using its parent's span context shares
the parent's stack, so background work should use Go or StartDetached.

	ctx, span := telemetry.Start(ctx, "import", nil)
	defer span.End(core.Unset())
	telemetry.Info(ctx, "importing", nil)

Thread Safety:

All exported functions are safe for concurrent use. Start, End and Emit
never block on I/O; only Shutdown blocks, and only up to its deadline.

Usage:

Initialize once in main:

	err := telemetry.InitWithOptions(ctx,
	    core.WithIngestToken(os.Getenv("LOGZAI_TOKEN")),
	    core.WithIngestEndpoint("https://ingest.logzai.com"),
	    core.WithServiceName("checkout"),
	)
	defer telemetry.Shutdown(context.Background())

Then trace and log from anywhere:

	err = telemetry.WithSpan(ctx, "charge", nil, func(ctx context.Context, span *telemetry.SpanHandle) error {
	    telemetry.Info(ctx, "charging card", map[string]any{"amount": 42})
	    return charge(ctx)
	})

Plugins:

	p := httptrace.New()
	err = telemetry.Register(ctx, "http", p.Setup, map[string]any{"slow_threshold": "2s"})
	handler := p.Middleware(mux)
*/
package telemetry
