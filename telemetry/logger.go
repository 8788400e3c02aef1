package telemetry

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TelemetryLogger is the client's own diagnostic logger. It reports what
// the telemetry pipeline is doing (init, shutdown, export failures) and is
// separate from the log events the application emits.
//
// Configuration, highest priority first:
//  1. SetLevel, SetFormat and SetOutput
//  2. LOGZAI_LOG_LEVEL, LOGZAI_DEBUG and LOGZAI_LOG_FORMAT
//  3. JSON output when running in Kubernetes
//  4. INFO level, text output on stderr
//
// Error logs are rate-limited so a dead backend cannot flood the host's
// output.
type TelemetryLogger struct {
	mu          sync.RWMutex
	zl          zerolog.Logger
	level       zerolog.Level
	format      string
	serviceName string
	component   string
	output      io.Writer

	errorLimiter *RateLimiter
}

var (
	telemetryLogger     *TelemetryLogger
	telemetryLoggerOnce sync.Once
)

// NewTelemetryLogger creates a logger configured from the environment.
func NewTelemetryLogger(serviceName string) *TelemetryLogger {
	level := os.Getenv("LOGZAI_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	if parseBool(os.Getenv("LOGZAI_DEBUG")) {
		level = "DEBUG"
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("LOGZAI_LOG_FORMAT"); envFormat != "" {
		format = strings.ToLower(envFormat)
	}

	l := &TelemetryLogger{
		level:        parseZerologLevel(level),
		format:       format,
		serviceName:  serviceName,
		component:    "telemetry",
		output:       os.Stderr,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
	l.rebuild()
	return l
}

// GetLogger returns the process-wide diagnostic logger.
func GetLogger() *TelemetryLogger {
	telemetryLoggerOnce.Do(func() {
		serviceName := os.Getenv("LOGZAI_SERVICE_NAME")
		if serviceName == "" {
			serviceName = "logzai"
		}
		telemetryLogger = NewTelemetryLogger(serviceName)
	})
	return telemetryLogger
}

// rebuild recreates the zerolog logger. Callers hold l.mu or own l.
func (l *TelemetryLogger) rebuild() {
	w := l.output
	if l.format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        l.output,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}
	l.zl = zerolog.New(w).Level(l.level).With().
		Timestamp().
		Str("service", l.serviceName).
		Str("component", l.component).
		Logger()
}

// WithComponent returns a logger that tags entries with component. It
// shares the error rate limit with l.
func (l *TelemetryLogger) WithComponent(component string) *TelemetryLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	child := &TelemetryLogger{
		level:        l.level,
		format:       l.format,
		serviceName:  l.serviceName,
		component:    component,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
	child.rebuild()
	return child
}

// Info writes msg at info level.
func (l *TelemetryLogger) Info(msg string, fields map[string]interface{}) {
	l.log(zerolog.InfoLevel, msg, fields)
}

// Warn writes msg at warn level.
func (l *TelemetryLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(zerolog.WarnLevel, msg, fields)
}

// Error writes msg at error level, at most once per second; the next
// allowed line reports how many were suppressed.
func (l *TelemetryLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil {
		ok, suppressed := l.errorLimiter.AllowN()
		if !ok {
			return
		}
		if suppressed > 0 {
			withCount := make(map[string]interface{}, len(fields)+1)
			for k, v := range fields {
				withCount[k] = v
			}
			withCount["suppressed_errors"] = suppressed
			fields = withCount
		}
	}
	l.log(zerolog.ErrorLevel, msg, fields)
}

// Debug writes msg only when the level is debug.
func (l *TelemetryLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(zerolog.DebugLevel, msg, fields)
}

func (l *TelemetryLogger) log(level zerolog.Level, msg string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if level < l.level {
		return
	}
	l.zl.WithLevel(level).Fields(fields).Msg(msg)
}

// SetLevel changes the minimum level. Unknown names mean info.
func (l *TelemetryLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = parseZerologLevel(level)
	l.rebuild()
}

// SetFormat switches between "json" and "text" output.
func (l *TelemetryLogger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = strings.ToLower(format)
	l.rebuild()
}

// SetOutput redirects the logger, keeping its format.
func (l *TelemetryLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// IsDebug reports whether debug entries are written.
func (l *TelemetryLogger) IsDebug() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level <= zerolog.DebugLevel
}

func parseZerologLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "OFF", "DISABLED":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
