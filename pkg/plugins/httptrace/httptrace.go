// Package httptrace is a telemetry plugin for net/http.
//
// The server side is a middleware that starts one span per request in a
// flow of its own, continuing the caller's trace when the request carries
// a W3C traceparent header. The client side is a RoundTripper that opens a
// child span per outgoing request and injects traceparent so the next
// service continues the same trace.
//
// Register the plugin once, then wrap handlers and clients:
//
//	p := httptrace.New()
//	err := telemetry.Register(ctx, "http", p.Setup, map[string]any{
//	    "excluded_paths": []string{"/health"},
//	    "slow_threshold": "2s",
//	})
//
//	http.ListenAndServe(":8080", p.Middleware(mux))
//	client := p.Client(nil)
//
// Before Setup and after the plugin is cleaned up, both sides pass
// requests through untouched.
package httptrace

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/pkg/plugins/pluginconfig"
	"github.com/logzai/logzai-go/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys recorded on HTTP spans.
const (
	AttrMethod       = "http.request.method"
	AttrPath         = "url.path"
	AttrURL          = "url.full"
	AttrServerHost   = "server.address"
	AttrUserAgent    = "user_agent.original"
	AttrStatusCode   = "http.response.status_code"
	AttrResponseSize = "http.response.body.size"
	AttrDurationMS   = "http.duration_ms"
)

// Config is decoded from the map passed to telemetry.Register.
type Config struct {
	// ExcludedPaths are served without a span, e.g. health checks.
	ExcludedPaths []string `yaml:"excluded_paths"`
	// SlowThreshold, when positive, emits a warning log for server requests
	// that take at least this long.
	SlowThreshold time.Duration `yaml:"slow_threshold" validate:"gte=0"`
	// ErrorStatus is the lowest response status that marks a server span
	// as failed. Client spans fail from 400 up.
	ErrorStatus int `yaml:"error_status" validate:"gte=100,lte=599"`
}

func defaultConfig() Config {
	return Config{ErrorStatus: http.StatusInternalServerError}
}

// attachment is what Setup installs; nil means detached.
type attachment struct {
	api      telemetry.CoreAPI
	cfg      Config
	excluded map[string]struct{}
}

// Plugin instruments HTTP servers and clients. One Plugin may be
// registered at a time; the zero value is not usable, call New.
type Plugin struct {
	att      atomic.Pointer[attachment]
	inflight atomic.Int64

	spanName   func(r *http.Request) string
	propagator propagation.TextMapPropagator
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithSpanNameFormatter overrides the default "HTTP {method} {path}" server
// span name.
func WithSpanNameFormatter(fn func(r *http.Request) string) Option {
	return func(p *Plugin) {
		if fn != nil {
			p.spanName = fn
		}
	}
}

// New creates a detached plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{
		spanName: func(r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		},
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Setup is the plugin's telemetry.SetupFunc.
func (p *Plugin) Setup(api telemetry.CoreAPI, config map[string]any) (telemetry.Cleanup, error) {
	cfg := defaultConfig()
	if err := pluginconfig.Decode(config, &cfg); err != nil {
		return nil, err
	}

	a := &attachment{api: api, cfg: cfg, excluded: make(map[string]struct{}, len(cfg.ExcludedPaths))}
	for _, path := range cfg.ExcludedPaths {
		a.excluded[path] = struct{}{}
	}
	if !p.att.CompareAndSwap(nil, a) {
		return nil, fmt.Errorf("httptrace: plugin is already registered")
	}

	api.Logger().Debug("HTTP tracing attached", map[string]interface{}{
		"excluded_paths": len(cfg.ExcludedPaths),
		"slow_threshold": cfg.SlowThreshold.String(),
	})
	return telemetry.AsyncCleanupFunc(p.detach), nil
}

// detach stops tracing new requests and waits for in-flight ones to end
// their spans.
func (p *Plugin) detach(ctx context.Context) error {
	p.att.Store(nil)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := p.inflight.Load()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("httptrace: %d requests still in flight: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// InFlight returns the number of traced server requests being served.
func (p *Plugin) InFlight() int64 {
	return p.inflight.Load()
}

// Middleware wraps next so every request runs inside a server span.
func (p *Plugin) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := p.att.Load()
		if a == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, skip := a.excluded[r.URL.Path]; skip {
			next.ServeHTTP(w, r)
			return
		}

		p.inflight.Add(1)
		defer p.inflight.Add(-1)

		ctx := p.propagator.Extract(telemetry.NewFlow(r.Context()), propagation.HeaderCarrier(r.Header))
		var opts []telemetry.StartOption
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			opts = append(opts, telemetry.WithParent(telemetry.SpanRef{TraceID: sc.TraceID(), SpanID: sc.SpanID()}))
		}

		ctx, span := a.api.Start(ctx, p.spanName(r), map[string]any{
			AttrMethod:     r.Method,
			AttrPath:       r.URL.Path,
			AttrServerHost: r.Host,
			AttrUserAgent:  r.UserAgent(),
		}, opts...)
		defer a.api.ClearError(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				_ = span.RecordError(err)
				_ = a.api.End(span, core.Failed(err))
				panic(rec)
			}
		}()

		m := httpsnoop.CaptureMetricsFn(w, func(w http.ResponseWriter) {
			next.ServeHTTP(w, r.WithContext(ctx))
		})

		_ = span.SetAttributes(map[string]any{
			AttrStatusCode:   m.Code,
			AttrResponseSize: m.Written,
			AttrDurationMS:   m.Duration.Milliseconds(),
		})
		if a.cfg.SlowThreshold > 0 && m.Duration >= a.cfg.SlowThreshold {
			a.api.Emit(ctx, core.LevelWarn, "Slow HTTP request", map[string]any{
				AttrMethod:     r.Method,
				AttrPath:       r.URL.Path,
				AttrDurationMS: m.Duration.Milliseconds(),
				"threshold_ms": a.cfg.SlowThreshold.Milliseconds(),
			})
		}

		status := core.OK()
		if m.Code >= a.cfg.ErrorStatus {
			status = core.Status{Code: core.StatusError, Description: http.StatusText(m.Code)}
		}
		_ = a.api.End(span, status)
	})
}

// Transport returns a RoundTripper that traces each request and injects
// the W3C traceparent and baggage headers. A nil base uses
// http.DefaultTransport.
func (p *Plugin) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	// otelhttp does the header injection. Its own tracer is a no-op, which
	// hands the span context we put on the request straight to the
	// propagator.
	inject := otelhttp.NewTransport(base,
		otelhttp.WithPropagators(p.propagator),
		otelhttp.WithTracerProvider(tracenoop.NewTracerProvider()),
		otelhttp.WithMeterProvider(metricnoop.NewMeterProvider()),
	)
	return &transport{p: p, next: inject}
}

// Client returns an http.Client using Transport(base).
func (p *Plugin) Client(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: p.Transport(base)}
}

type transport struct {
	p    *Plugin
	next http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	a := t.p.att.Load()
	if a == nil {
		return t.next.RoundTrip(req)
	}

	ctx := req.Context()
	var opts []telemetry.StartOption
	if cur, ok := a.api.CurrentSpan(ctx); ok {
		opts = append(opts, telemetry.WithParent(cur.Ref()))
	}

	// A fresh flow keeps concurrent requests from one caller off each
	// other's stacks.
	cctx := telemetry.NewFlow(ctx)
	cctx, span := a.api.Start(cctx, "HTTP "+req.Method, map[string]any{
		AttrMethod:     req.Method,
		AttrURL:        redactedURL(req),
		AttrServerHost: req.URL.Host,
	}, opts...)
	defer a.api.ClearError(cctx)
	cctx = trace.ContextWithSpanContext(cctx, span.Ref().SpanContext())

	resp, err := t.next.RoundTrip(req.WithContext(cctx))
	if err != nil {
		_ = span.RecordError(err)
		_ = a.api.End(span, core.Failed(err))
		return nil, err
	}

	_ = a.api.SetAttribute(span, AttrStatusCode, resp.StatusCode)
	status := core.OK()
	if resp.StatusCode >= http.StatusBadRequest {
		status = core.Status{Code: core.StatusError, Description: http.StatusText(resp.StatusCode)}
	}
	_ = a.api.End(span, status)
	return resp, nil
}

// redactedURL drops user info and the query string.
func redactedURL(req *http.Request) string {
	u := *req.URL
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
