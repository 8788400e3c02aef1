package core

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Level is the severity of a log event.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel converts a level name (case-insensitive) into a Level.
// "warning" and "fatal" are accepted as aliases.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "critical", "fatal":
		return LevelCritical, nil
	}
	return LevelDebug, fmt.Errorf("unknown log level %q", s)
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNSET"
	}
}

// Status is the final status of a span.
type Status struct {
	Code        StatusCode
	Description string
}

// OK is the status for a successful span.
func OK() Status { return Status{Code: StatusOK} }

// Unset leaves the span status for the backend to infer.
func Unset() Status { return Status{Code: StatusUnset} }

// Failed builds an error status from err. A nil err yields OK.
func Failed(err error) Status {
	if err == nil {
		return OK()
	}
	return Status{Code: StatusError, Description: err.Error()}
}

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string
	Time       time.Time
	Attributes map[string]any
}

// Span is a timed operation record. Records handed to an Exporter are ended
// and never mutated again.
type Span struct {
	TraceID    trace.TraceID
	SpanID     trace.SpanID
	ParentID   trace.SpanID // zero for root spans
	Name       string
	StartTime  time.Time
	EndTime    time.Time // zero while the span is live
	Status     Status
	Attributes map[string]any
	Events     []Event
}

// HasParent reports whether the span is nested under another span.
func (s *Span) HasParent() bool { return s.ParentID.IsValid() }

// Ended reports whether the span has an end timestamp.
func (s *Span) Ended() bool { return !s.EndTime.IsZero() }

// Duration is zero for a live span.
func (s *Span) Duration() time.Duration {
	if !s.Ended() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Clone returns a deep copy so exporters and observers never share maps
// with the live span.
func (s *Span) Clone() Span {
	c := *s
	c.Attributes = maps.Clone(s.Attributes)
	if s.Events != nil {
		c.Events = make([]Event, len(s.Events))
		for i, ev := range s.Events {
			c.Events[i] = Event{Name: ev.Name, Time: ev.Time, Attributes: maps.Clone(ev.Attributes)}
		}
	}
	return c
}

// LogEvent is a single structured log record.
type LogEvent struct {
	Timestamp  time.Time
	Level      Level
	Message    string
	Attributes map[string]any
	TraceID    trace.TraceID
	SpanID     trace.SpanID // zero when no span was active
}

// Correlated reports whether the event was emitted inside a span.
func (e *LogEvent) Correlated() bool { return e.SpanID.IsValid() }

// FlushResult is the outcome of draining an exporter's buffers.
type FlushResult int

const (
	FlushSuccess FlushResult = iota
	FlushPartial
	FlushTimeout
)

func (r FlushResult) String() string {
	switch r {
	case FlushSuccess:
		return "success"
	case FlushPartial:
		return "partial"
	default:
		return "timeout"
	}
}

// Exporter transports completed spans and log events to a backend.
// ExportSpan and ExportLog must not block on network I/O; buffering is the
// exporter's job. Transport failures are handled inside the exporter and
// never returned to the caller.
type Exporter interface {
	ExportSpan(span Span)
	ExportLog(event LogEvent)
	// Flush drains buffered records, bounded by ctx.
	Flush(ctx context.Context) FlushResult
	// Close releases transport resources. No records are accepted afterwards.
	Close(ctx context.Context) error
}
