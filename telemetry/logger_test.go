package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func jsonLogger(t *testing.T, buf *bytes.Buffer) *TelemetryLogger {
	t.Helper()
	t.Setenv("LOGZAI_LOG_LEVEL", "")
	t.Setenv("LOGZAI_DEBUG", "")
	l := NewTelemetryLogger("test-service")
	l.SetFormat("json")
	l.SetOutput(buf)
	return l
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

func TestTelemetryLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(t, &buf)

	logger.Info("Test info message", map[string]interface{}{
		"key1": "value1",
		"key2": 42,
	})
	logger.Warn("Test warning", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "Test info message", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "value1", lines[0]["key1"])
	assert.EqualValues(t, 42, lines[0]["key2"])
	assert.Equal(t, "test-service", lines[0]["service"])
	assert.Equal(t, "telemetry", lines[0]["component"])
	assert.Contains(t, lines[0], "time")

	assert.Equal(t, "warn", lines[1]["level"])
}

func TestTelemetryLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(t, &buf)
	logger.SetFormat("text")

	logger.Warn("Disk is slow", map[string]interface{}{"latency_ms": 120})

	output := buf.String()
	if !strings.Contains(output, "Disk is slow") {
		t.Errorf("message not found in output: %s", output)
	}
	if !strings.Contains(output, "WRN") {
		t.Errorf("WRN level not found in output: %s", output)
	}
	if !strings.Contains(output, "latency_ms=120") {
		t.Errorf("field not found in output: %s", output)
	}
}

func TestTelemetryLogger_DebugGating(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(t, &buf)

	logger.Debug("hidden", nil)
	assert.False(t, logger.IsDebug())
	assert.Empty(t, buf.String())

	logger.SetLevel("debug")
	logger.Debug("shown", nil)
	assert.True(t, logger.IsDebug())
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	logger.SetLevel("off")
	logger.Warn("silenced", nil)
	assert.Empty(t, buf.String())
}

func TestTelemetryLogger_EnvironmentLevel(t *testing.T) {
	t.Setenv("LOGZAI_LOG_LEVEL", "error")
	t.Setenv("LOGZAI_DEBUG", "")
	assert.False(t, NewTelemetryLogger("svc").IsDebug())

	t.Setenv("LOGZAI_DEBUG", "true")
	assert.True(t, NewTelemetryLogger("svc").IsDebug(), "LOGZAI_DEBUG overrides the level")
}

func TestTelemetryLogger_KubernetesDefaultsToJSON(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	t.Setenv("LOGZAI_LOG_FORMAT", "")

	var buf bytes.Buffer
	logger := NewTelemetryLogger("svc")
	logger.SetOutput(&buf)
	logger.Info("structured", nil)

	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), buf.String())
}

func TestTelemetryLogger_ErrorRateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(t, &buf)
	clock := clockz.NewFakeClock()
	logger.errorLimiter = NewRateLimiterWithClock(time.Second, clock)

	fields := map[string]interface{}{"endpoint": "x"}
	logger.Error("export failed", fields)
	logger.Error("export failed", fields)
	logger.Error("export failed", fields)
	clock.Advance(time.Second)
	logger.Error("export failed", fields)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "suppressed_errors")
	assert.EqualValues(t, 2, lines[1]["suppressed_errors"])
	assert.NotContains(t, fields, "suppressed_errors", "caller's map is not modified")
}

func TestTelemetryLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(t, &buf).WithComponent("exporter")

	logger.Info("child", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "exporter", lines[0]["component"])
	assert.Equal(t, "test-service", lines[0]["service"])
}

func TestTelemetryLogger_Concurrent(t *testing.T) {
	var buf syncBuffer
	logger := NewTelemetryLogger("svc")
	logger.SetFormat("json")
	logger.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("concurrent", map[string]interface{}{"i": i})
			if i%5 == 0 {
				logger.SetLevel("info")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, strings.Count(buf.String(), "concurrent"))
}

func TestGetLogger_Singleton(t *testing.T) {
	assert.Same(t, GetLogger(), GetLogger())
}

func TestRateLimiter(t *testing.T) {
	clock := clockz.NewFakeClock()
	rl := NewRateLimiterWithClock(100*time.Millisecond, clock)

	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	ok, dropped := rl.AllowN()
	assert.False(t, ok)
	assert.Zero(t, dropped)

	clock.Advance(99 * time.Millisecond)
	assert.False(t, rl.Allow())

	clock.Advance(time.Millisecond)
	ok, dropped = rl.AllowN()
	assert.True(t, ok)
	assert.EqualValues(t, 3, dropped)

	clock.Advance(time.Second)
	ok, dropped = rl.AllowN()
	assert.True(t, ok)
	assert.Zero(t, dropped)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
