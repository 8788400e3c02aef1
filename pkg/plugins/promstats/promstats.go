// Package promstats is a telemetry plugin that counts finished spans and
// emitted log events as Prometheus metrics.
//
// It only observes: spans and logs reach the exporter unchanged.
//
//	p := promstats.New()
//	if err := telemetry.Register(ctx, "prometheus", p.Setup, map[string]any{
//	    "namespace": "checkout",
//	}); err != nil {
//	    return err
//	}
//	http.Handle("/metrics", p.Handler())
//
// Exposed series, with the default "logzai" namespace:
//
//	logzai_spans_total{name,status}
//	logzai_span_duration_seconds{name}
//	logzai_logs_total{level}
//	logzai_exceptions_total{type}
package promstats

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/pkg/plugins/pluginconfig"
	"github.com/logzai/logzai-go/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zoobzio/clockz"
)

// Config is decoded from the map passed to telemetry.Register.
type Config struct {
	Namespace string `yaml:"namespace" validate:"required"`
	// MaxSpanNames caps distinct span name label values; extra names are
	// counted as "other".
	MaxSpanNames int `yaml:"max_span_names" validate:"gte=1"`
	// MaxExceptionTypes does the same for exception types.
	MaxExceptionTypes int `yaml:"max_exception_types" validate:"gte=1"`
	// LabelIdle frees the slot of a label value not seen for this long.
	LabelIdle time.Duration `yaml:"label_idle" validate:"gte=0"`
	// DurationBuckets are the span duration histogram buckets in seconds.
	DurationBuckets []float64 `yaml:"duration_buckets"`
}

func defaultConfig() Config {
	return Config{
		Namespace:         "logzai",
		MaxSpanNames:      200,
		MaxExceptionTypes: 50,
		LabelIdle:         10 * time.Minute,
		DurationBuckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
}

// Plugin owns a Prometheus registry that it fills while registered.
type Plugin struct {
	registry *prometheus.Registry
	clock    clockz.Clock

	mu     sync.Mutex
	active *collectors
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithRegistry registers the collectors on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(p *Plugin) {
		if reg != nil {
			p.registry = reg
		}
	}
}

// WithClock sets the clock used to age label values.
func WithClock(clock clockz.Clock) Option {
	return func(p *Plugin) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New creates a detached plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{
		registry: prometheus.NewRegistry(),
		clock:    clockz.RealClock,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the registry the plugin's collectors live on.
func (p *Plugin) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Plugin) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Cardinality returns how many distinct values each limited label holds.
func (p *Plugin) Cardinality() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return nil
	}
	return p.active.limiter.cardinality()
}

type collectors struct {
	spans      *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	logs       *prometheus.CounterVec
	exceptions *prometheus.CounterVec
	limiter    *labelLimiter

	removers []func()
}

func (cs *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{cs.spans, cs.durations, cs.logs, cs.exceptions}
}

// Setup is the plugin's telemetry.SetupFunc.
func (p *Plugin) Setup(api telemetry.CoreAPI, config map[string]any) (telemetry.Cleanup, error) {
	cfg := defaultConfig()
	if err := pluginconfig.Decode(config, &cfg); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return nil, errors.New("promstats: plugin is already registered")
	}

	cs := &collectors{
		spans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "spans_total",
			Help:      "Finished spans by name and status.",
		}, []string{"name", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "span_duration_seconds",
			Help:      "Span duration by name.",
			Buckets:   cfg.DurationBuckets,
		}, []string{"name"}),
		logs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "logs_total",
			Help:      "Emitted log events by level.",
		}, []string{"level"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "exceptions_total",
			Help:      "Log events carrying exception details, by exception type.",
		}, []string{"type"}),
		limiter: newLabelLimiter(map[string]int{
			"name": cfg.MaxSpanNames,
			"type": cfg.MaxExceptionTypes,
		}, cfg.LabelIdle, p.clock),
	}

	var registered []prometheus.Collector
	for _, c := range cs.all() {
		if err := p.registry.Register(c); err != nil {
			for _, r := range registered {
				p.registry.Unregister(r)
			}
			return nil, err
		}
		registered = append(registered, c)
	}

	cs.removers = append(cs.removers,
		api.OnSpanEnd(cs.observeSpan),
		api.OnLog(cs.observeLog),
	)
	p.active = cs

	api.Logger().Debug("Prometheus stats attached", map[string]interface{}{
		"namespace": cfg.Namespace,
	})
	return telemetry.CleanupFunc(p.detach), nil
}

func (p *Plugin) detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cs := p.active
	if cs == nil {
		return nil
	}
	for _, remove := range cs.removers {
		remove()
	}
	for _, c := range cs.all() {
		p.registry.Unregister(c)
	}
	p.active = nil
	return nil
}

func (cs *collectors) observeSpan(s core.Span) {
	name := cs.limiter.limit("name", s.Name)
	cs.spans.WithLabelValues(name, s.Status.Code.String()).Inc()
	cs.durations.WithLabelValues(name).Observe(s.Duration().Seconds())
}

func (cs *collectors) observeLog(ev core.LogEvent) {
	cs.logs.WithLabelValues(ev.Level.String()).Inc()
	if exc, _ := ev.Attributes[telemetry.AttrIsException].(bool); exc {
		typ, _ := ev.Attributes[telemetry.AttrExceptionType].(string)
		if typ == "" {
			typ = "unknown"
		}
		cs.exceptions.WithLabelValues(cs.limiter.limit("type", typ)).Inc()
	}
}
