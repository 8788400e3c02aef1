package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/logzai/logzai-go/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of every exported span and log.
const ScopeName = "github.com/logzai/logzai-go"

// OTLPExporter ships spans and logs to the ingest backend over OTLP. Both
// signals go through the OpenTelemetry SDK batch processors, so Export*
// only enqueues.
type OTLPExporter struct {
	res    *resource.Resource
	scope  instrumentation.Scope
	spans  []sdktrace.SpanProcessor
	logs   *sdklog.LoggerProvider
	logger otellog.Logger
	closed atomic.Bool
}

// OTLPOption configures an OTLPExporter.
type OTLPOption func(*otlpOptions)

type otlpOptions struct {
	console io.Writer
	batch   []sdktrace.BatchSpanProcessorOption
	logOpts []sdklog.BatchProcessorOption
}

// WithSpanConsoleWriter sets where spans are mirrored when MirrorToConsole
// is on. Defaults to stdout.
func WithSpanConsoleWriter(w io.Writer) OTLPOption {
	return func(o *otlpOptions) { o.console = w }
}

// WithBatchTimeout sets how long the batch processors wait before sending a
// partial batch.
func WithBatchTimeout(d time.Duration) OTLPOption {
	return func(o *otlpOptions) {
		o.batch = append(o.batch, sdktrace.WithBatchTimeout(d))
		o.logOpts = append(o.logOpts, sdklog.WithExportInterval(d))
	}
}

// NewOTLPExporter builds the span and log pipelines for cfg.
//
// Over HTTP, spans go to <endpoint>/traces and logs to <endpoint>/logs.
// Over gRPC, both use the endpoint host with the standard OTLP services.
// Every request carries the x-ingest-token header, plus x-origin when set.
// Construction does not dial; transport failures surface later through the
// OpenTelemetry error handler.
func NewOTLPExporter(ctx context.Context, cfg *core.Config, opts ...OTLPOption) (*OTLPExporter, error) {
	o := otlpOptions{console: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res := newResource(cfg)

	spanExp, logExp, err := newOTLPClients(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e := &OTLPExporter{
		res:   res,
		scope: instrumentation.Scope{Name: ScopeName, Version: Version},
		spans: []sdktrace.SpanProcessor{sdktrace.NewBatchSpanProcessor(spanExp, o.batch...)},
	}

	if cfg.MirrorToConsole {
		stdout, err := stdouttrace.New(stdouttrace.WithWriter(o.console))
		if err != nil {
			_ = spanExp.Shutdown(ctx)
			_ = logExp.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create console span exporter: %w", err)
		}
		e.spans = append(e.spans, sdktrace.NewBatchSpanProcessor(stdout, o.batch...))
	}

	e.logs = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp, o.logOpts...)),
	)
	e.logger = e.logs.Logger(ScopeName, otellog.WithInstrumentationVersion(Version))

	return e, nil
}

func newOTLPClients(ctx context.Context, cfg *core.Config) (sdktrace.SpanExporter, sdklog.Exporter, error) {
	endpoint := strings.TrimRight(cfg.IngestEndpoint, "/")
	headers := cfg.Headers()

	switch cfg.Protocol {
	case core.ProtocolGRPC:
		spanExp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpointURL(endpoint),
			otlptracegrpc.WithHeaders(headers),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gRPC trace exporter: %w", err)
		}
		logExp, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpointURL(endpoint),
			otlploggrpc.WithHeaders(headers),
		)
		if err != nil {
			_ = spanExp.Shutdown(ctx)
			return nil, nil, fmt.Errorf("failed to create gRPC log exporter: %w", err)
		}
		return spanExp, logExp, nil

	default:
		spanExp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(endpoint+"/traces"),
			otlptracehttp.WithHeaders(headers),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create HTTP trace exporter: %w", err)
		}
		logExp, err := otlploghttp.New(ctx,
			otlploghttp.WithEndpointURL(endpoint+"/logs"),
			otlploghttp.WithHeaders(headers),
		)
		if err != nil {
			_ = spanExp.Shutdown(ctx)
			return nil, nil, fmt.Errorf("failed to create HTTP log exporter: %w", err)
		}
		return spanExp, logExp, nil
	}
}

func newResource(cfg *core.Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	}
	if cfg.Origin != "" {
		attrs = append(attrs, attribute.String("origin", cfg.Origin))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// ExportSpan enqueues a finished span.
func (e *OTLPExporter) ExportSpan(s core.Span) {
	if e.closed.Load() {
		return
	}
	ro := e.readOnlySpan(s)
	for _, p := range e.spans {
		p.OnEnd(ro)
	}
}

// readOnlySpan converts a span record into the SDK's read-only form.
func (e *OTLPExporter) readOnlySpan(s core.Span) sdktrace.ReadOnlySpan {
	stub := tracetest.SpanStub{
		Name: s.Name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    s.TraceID,
			SpanID:     s.SpanID,
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:             trace.SpanKindInternal,
		StartTime:            s.StartTime,
		EndTime:              s.EndTime,
		Attributes:           toAttributes(s.Attributes),
		Status:               sdktrace.Status{Code: toCode(s.Status.Code), Description: s.Status.Description},
		Resource:             e.res,
		InstrumentationScope: e.scope,
	}
	if s.HasParent() {
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    s.TraceID,
			SpanID:     s.ParentID,
			TraceFlags: trace.FlagsSampled,
		})
	}
	for _, ev := range s.Events {
		stub.Events = append(stub.Events, sdktrace.Event{
			Name:       ev.Name,
			Time:       ev.Time,
			Attributes: toAttributes(ev.Attributes),
		})
	}
	return stub.Snapshot()
}

// ExportLog enqueues a log event. A correlated event carries its trace and
// span IDs on the OTLP record.
func (e *OTLPExporter) ExportLog(ev core.LogEvent) {
	if e.closed.Load() {
		return
	}

	var rec otellog.Record
	rec.SetTimestamp(ev.Timestamp)
	rec.SetObservedTimestamp(time.Now())
	rec.SetSeverity(toSeverity(ev.Level))
	rec.SetSeverityText(ev.Level.String())
	rec.SetBody(otellog.StringValue(ev.Message))
	for k, v := range ev.Attributes {
		rec.AddAttributes(otellog.KeyValue{Key: k, Value: toLogValue(v)})
	}

	ctx := context.Background()
	if ev.Correlated() {
		ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    ev.TraceID,
			SpanID:     ev.SpanID,
			TraceFlags: trace.FlagsSampled,
		}))
	}
	e.logger.Emit(ctx, rec)
}

// Flush drains both batch processors within ctx.
func (e *OTLPExporter) Flush(ctx context.Context) core.FlushResult {
	failed := 0
	for _, p := range e.spans {
		if err := p.ForceFlush(ctx); err != nil {
			failed++
		}
	}
	if err := e.logs.ForceFlush(ctx); err != nil {
		failed++
	}

	switch {
	case failed == 0:
		return core.FlushSuccess
	case ctx.Err() != nil:
		return core.FlushTimeout
	default:
		return core.FlushPartial
	}
}

// Close flushes what it can within ctx and releases the transports.
func (e *OTLPExporter) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, p := range e.spans {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("span processor: %w", err))
		}
	}
	if err := e.logs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("log provider: %w", err))
	}
	return errors.Join(errs...)
}

// Attribute conversion

func toAttributes(m map[string]any) []attribute.KeyValue {
	if len(m) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, toAttribute(k, v))
	}
	return attrs
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int32:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case uint32:
		return attribute.Int64(key, int64(v))
	case float32:
		return attribute.Float64(key, float64(v))
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case []int:
		return attribute.IntSlice(key, v)
	case []int64:
		return attribute.Int64Slice(key, v)
	case []float64:
		return attribute.Float64Slice(key, v)
	case []bool:
		return attribute.BoolSlice(key, v)
	case time.Duration:
		return attribute.Int64(key, v.Milliseconds())
	case error:
		return attribute.String(key, v.Error())
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func toLogValue(value any) otellog.Value {
	switch v := value.(type) {
	case string:
		return otellog.StringValue(v)
	case bool:
		return otellog.BoolValue(v)
	case int:
		return otellog.IntValue(v)
	case int32:
		return otellog.Int64Value(int64(v))
	case int64:
		return otellog.Int64Value(v)
	case uint32:
		return otellog.Int64Value(int64(v))
	case float32:
		return otellog.Float64Value(float64(v))
	case float64:
		return otellog.Float64Value(v)
	case []byte:
		return otellog.BytesValue(v)
	case []string:
		vals := make([]otellog.Value, len(v))
		for i, s := range v {
			vals[i] = otellog.StringValue(s)
		}
		return otellog.SliceValue(vals...)
	case map[string]any:
		kvs := make([]otellog.KeyValue, 0, len(v))
		for k, inner := range v {
			kvs = append(kvs, otellog.KeyValue{Key: k, Value: toLogValue(inner)})
		}
		return otellog.MapValue(kvs...)
	case time.Duration:
		return otellog.Int64Value(v.Milliseconds())
	case error:
		return otellog.StringValue(v.Error())
	case fmt.Stringer:
		return otellog.StringValue(v.String())
	default:
		return otellog.StringValue(fmt.Sprintf("%v", v))
	}
}

func toCode(c core.StatusCode) codes.Code {
	switch c {
	case core.StatusOK:
		return codes.Ok
	case core.StatusError:
		return codes.Error
	default:
		return codes.Unset
	}
}

func toSeverity(l core.Level) otellog.Severity {
	switch l {
	case core.LevelDebug:
		return otellog.SeverityDebug
	case core.LevelInfo:
		return otellog.SeverityInfo
	case core.LevelWarn:
		return otellog.SeverityWarn
	case core.LevelError:
		return otellog.SeverityError
	default:
		return otellog.SeverityFatal
	}
}
