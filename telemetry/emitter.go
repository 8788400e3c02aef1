package telemetry

import (
	"context"
	"fmt"
	"io"
	"maps"
	"runtime/debug"
	"time"

	"github.com/logzai/logzai-go/core"
	"github.com/logzai/logzai-go/internal/flow"
	"github.com/rs/zerolog"
)

// Attribute keys used for exception details, following the OpenTelemetry
// semantic conventions.
const (
	AttrExceptionType       = "exception.type"
	AttrExceptionMessage    = "exception.message"
	AttrExceptionStacktrace = "exception.stacktrace"
	AttrIsException         = "is_exception"
)

// Emitter builds log events, correlates them with the flow's current span
// and forwards them to the exporter.
type Emitter struct {
	c *Controller
}

// Emit records a log event at level. It never blocks on I/O.
//
// The event is correlated with the current span of the flow carried by ctx.
// Baggage on ctx is merged into the attributes; explicit attributes win.
// At Error and above, if attrs carry no exception.type and the flow has an
// error condition, the exception details of that condition are attached.
//
// Events below the configured minimum level are dropped, as are all events
// before Init and after Shutdown.
func (e *Emitter) Emit(ctx context.Context, level core.Level, msg string, attrs map[string]any) {
	e.emit(ctx, level, msg, attrs, nil)
}

// Debug emits at LevelDebug.
func (e *Emitter) Debug(ctx context.Context, msg string, attrs map[string]any) {
	e.emit(ctx, core.LevelDebug, msg, attrs, nil)
}

// Info emits at LevelInfo.
func (e *Emitter) Info(ctx context.Context, msg string, attrs map[string]any) {
	e.emit(ctx, core.LevelInfo, msg, attrs, nil)
}

// Warn emits at LevelWarn.
func (e *Emitter) Warn(ctx context.Context, msg string, attrs map[string]any) {
	e.emit(ctx, core.LevelWarn, msg, attrs, nil)
}

// Error emits at LevelError.
func (e *Emitter) Error(ctx context.Context, msg string, attrs map[string]any) {
	e.emit(ctx, core.LevelError, msg, attrs, nil)
}

// Critical emits at LevelCritical.
func (e *Emitter) Critical(ctx context.Context, msg string, attrs map[string]any) {
	e.emit(ctx, core.LevelCritical, msg, attrs, nil)
}

// Exception emits at LevelError with the details of err attached, whatever
// the flow's error condition.
func (e *Emitter) Exception(ctx context.Context, msg string, err error, attrs map[string]any) {
	if err == nil {
		e.emit(ctx, core.LevelError, msg, attrs, nil)
		return
	}
	e.emit(ctx, core.LevelError, msg, attrs, &flow.Condition{Err: err, Stack: debug.Stack()})
}

func (e *Emitter) emit(ctx context.Context, level core.Level, msg string, attrs map[string]any, exc *flow.Condition) {
	c := e.c
	p := c.pipe.Load()
	if p == nil {
		c.stats.logsDropped.Add(1)
		return
	}
	if level < p.minLevel {
		return
	}

	id := flow.FromContext(ctx)
	ev := core.LogEvent{
		Timestamp: c.clock.Now(),
		Level:     level,
		Message:   msg,
	}
	if cur, ok := c.store.Current(id); ok {
		ev.TraceID = cur.TraceID
		ev.SpanID = cur.SpanID
	}

	bag := GetBaggage(ctx)
	merged := make(map[string]any, len(bag)+len(attrs)+4)
	for k, v := range bag {
		merged[k] = v
	}
	maps.Copy(merged, attrs)

	if _, explicit := merged[AttrExceptionType]; !explicit {
		if exc == nil && level >= core.LevelError {
			if cond, ok := c.store.Err(id); ok {
				exc = &cond
			}
		}
		if exc != nil {
			maps.Copy(merged, exceptionAttributes(exc.Err, exc.Stack))
			merged[AttrIsException] = true
		}
	}
	ev.Attributes = merged

	p.exporter.ExportLog(ev)
	c.stats.logsExported.Add(1)

	if p.console != nil {
		mirrorLog(p.console, ev)
	}
	if c.logObservers.size() > 0 {
		obs := ev
		obs.Attributes = maps.Clone(ev.Attributes)
		c.logObservers.notify(obs, c.observerPanic)
	}
}

// exceptionAttributes describes err with the exception.* attributes.
func exceptionAttributes(err error, stack []byte) map[string]any {
	attrs := map[string]any{
		AttrExceptionType:    exceptionType(err),
		AttrExceptionMessage: err.Error(),
	}
	if len(stack) > 0 {
		attrs[AttrExceptionStacktrace] = string(stack)
	}
	return attrs
}

func exceptionType(err error) string {
	if pe, ok := err.(*PanicError); ok {
		return fmt.Sprintf("panic(%T)", pe.Value)
	}
	return fmt.Sprintf("%T", err)
}

// newConsoleLogger builds the human-readable mirror used by MirrorToConsole.
func newConsoleLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	})
}

func mirrorLog(console *zerolog.Logger, ev core.LogEvent) {
	entry := console.WithLevel(zerologLevel(ev.Level)).
		Time(zerolog.TimestampFieldName, ev.Timestamp)
	if ev.Correlated() {
		entry = entry.Str("trace_id", ev.TraceID.String()).Str("span_id", ev.SpanID.String())
	}
	for k, v := range ev.Attributes {
		if k == AttrExceptionStacktrace {
			continue
		}
		entry = entry.Interface(k, v)
	}
	entry.Msg(ev.Message)
}

func zerologLevel(l core.Level) zerolog.Level {
	switch l {
	case core.LevelDebug:
		return zerolog.DebugLevel
	case core.LevelInfo:
		return zerolog.InfoLevel
	case core.LevelWarn:
		return zerolog.WarnLevel
	case core.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}
