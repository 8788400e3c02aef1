// Package redistrace is a telemetry plugin that traces go-redis v8
// commands and pipelines.
//
// Every command runs in a span of its own flow, parented to the caller's
// current span when there is one:
//
//	p := redistrace.New()
//	if err := telemetry.Register(ctx, "redis", p.Setup, nil); err != nil {
//	    return err
//	}
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	p.Instrument(rdb)
//
// go-redis v8 cannot remove a hook, so an instrumented client keeps the
// hook after the plugin is cleaned up; it just stops producing spans.
package redistrace

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/pkg/plugins/pluginconfig"
	"github.com/logzai/logzai-go/telemetry"
)

// Attribute keys recorded on redis spans.
const (
	AttrSystem      = "db.system"
	AttrOperation   = "db.operation.name"
	AttrStatement   = "db.statement"
	AttrNamespace   = "db.namespace"
	AttrServer      = "server.address"
	AttrBatchSize   = "db.operation.batch.size"
	AttrKeyNotFound = "db.redis.nil"
)

// Config is decoded from the map passed to telemetry.Register.
type Config struct {
	// Statements records the full command with its arguments. Off by
	// default, arguments often hold user data.
	Statements bool `yaml:"statements"`
	// MaxStatementLength truncates recorded statements.
	MaxStatementLength int `yaml:"max_statement_length" validate:"gte=16"`
	// MaxPipelineOps caps how many command names a pipeline span lists.
	MaxPipelineOps int `yaml:"max_pipeline_ops" validate:"gte=1"`
}

func defaultConfig() Config {
	return Config{MaxStatementLength: 256, MaxPipelineOps: 10}
}

type attachment struct {
	api telemetry.CoreAPI
	cfg Config
}

// Plugin traces the clients passed to Instrument while it is registered.
type Plugin struct {
	att      atomic.Pointer[attachment]
	inflight atomic.Int64
}

// New creates a detached plugin.
func New() *Plugin {
	return &Plugin{}
}

// Setup is the plugin's telemetry.SetupFunc.
func (p *Plugin) Setup(api telemetry.CoreAPI, config map[string]any) (telemetry.Cleanup, error) {
	cfg := defaultConfig()
	if err := pluginconfig.Decode(config, &cfg); err != nil {
		return nil, err
	}
	if !p.att.CompareAndSwap(nil, &attachment{api: api, cfg: cfg}) {
		return nil, errors.New("redistrace: plugin is already registered")
	}
	api.Logger().Debug("Redis tracing attached", map[string]interface{}{
		"statements": cfg.Statements,
	})
	return telemetry.AsyncCleanupFunc(p.detach), nil
}

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
			return fmt.Errorf("redistrace: %d commands still in flight: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// InFlight returns the number of commands with an open span.
func (p *Plugin) InFlight() int64 {
	return p.inflight.Load()
}

// Instrument adds the tracing hook to c. Spans on a *redis.Client also
// carry its address and database number.
func (p *Plugin) Instrument(c redis.UniversalClient) {
	h := &Hook{p: p, attrs: map[string]any{AttrSystem: "redis"}}
	if rc, ok := c.(*redis.Client); ok {
		opts := rc.Options()
		h.attrs[AttrServer] = opts.Addr
		h.attrs[AttrNamespace] = strconv.Itoa(opts.DB)
	}
	c.AddHook(h)
}

// Hook implements redis.Hook.
type Hook struct {
	p     *Plugin
	attrs map[string]any
}

var _ redis.Hook = (*Hook)(nil)

type spanKey struct{}

type openSpan struct {
	api  telemetry.CoreAPI
	ctx  context.Context
	span *telemetry.SpanHandle
}

func (h *Hook) start(ctx context.Context, name string, attrs map[string]any) context.Context {
	a := h.p.att.Load()
	if a == nil {
		return ctx
	}

	var opts []telemetry.StartOption
	if cur, ok := a.api.CurrentSpan(ctx); ok {
		opts = append(opts, telemetry.WithParent(cur.Ref()))
	}
	for k, v := range h.attrs {
		if _, set := attrs[k]; !set {
			attrs[k] = v
		}
	}

	sctx := telemetry.NewFlow(ctx)
	sctx, span := a.api.Start(sctx, name, attrs, opts...)
	h.p.inflight.Add(1)
	return context.WithValue(ctx, spanKey{}, &openSpan{api: a.api, ctx: sctx, span: span})
}

func (h *Hook) finish(ctx context.Context, err error) {
	o, ok := ctx.Value(spanKey{}).(*openSpan)
	if !ok {
		return
	}
	defer h.p.inflight.Add(-1)
	defer o.api.ClearError(o.ctx)

	switch {
	case errors.Is(err, redis.Nil):
		_ = o.span.SetAttribute(AttrKeyNotFound, true)
		_ = o.api.End(o.span, core.OK())
	case err != nil:
		_ = o.span.RecordError(err)
		_ = o.api.End(o.span, core.Failed(err))
	default:
		_ = o.api.End(o.span, core.OK())
	}
}

func (h *Hook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	a := h.p.att.Load()
	if a == nil {
		return ctx, nil
	}
	attrs := map[string]any{AttrOperation: cmd.Name()}
	if a.cfg.Statements {
		attrs[AttrStatement] = statement(cmd, a.cfg.MaxStatementLength)
	}
	return h.start(ctx, "redis "+cmd.Name(), attrs), nil
}

func (h *Hook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	h.finish(ctx, cmd.Err())
	return nil
}

func (h *Hook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	a := h.p.att.Load()
	if a == nil {
		return ctx, nil
	}
	names := make([]string, 0, min(len(cmds), a.cfg.MaxPipelineOps))
	for i, cmd := range cmds {
		if i == a.cfg.MaxPipelineOps {
			names = append(names, "...")
			break
		}
		names = append(names, cmd.Name())
	}
	attrs := map[string]any{
		AttrOperation: strings.Join(names, " "),
		AttrBatchSize: len(cmds),
	}
	return h.start(ctx, "redis pipeline", attrs), nil
}

func (h *Hook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	var failed error
	for _, cmd := range cmds {
		if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
			failed = err
			break
		}
	}
	h.finish(ctx, failed)
	return nil
}

// statement renders cmd as "name arg1 arg2", cut to limit bytes.
func statement(cmd redis.Cmder, limit int) string {
	var b strings.Builder
	for i, arg := range cmd.Args() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprint(&b, arg)
		if b.Len() > limit {
			break
		}
	}
	s := b.String()
	if len(s) > limit {
		s = s[:limit-3] + "..."
	}
	return s
}
