package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/logzai/logzai-go/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"
)

// otlpReceiver is a minimal OTLP/HTTP backend that keeps every request.
type otlpReceiver struct {
	*httptest.Server

	mu     sync.Mutex
	traces []*collectortrace.ExportTraceServiceRequest
	logs   []*collectorlogs.ExportLogsServiceRequest
	hdrs   []http.Header
	paths  []string
}

func newOTLPReceiver(t *testing.T) *otlpReceiver {
	t.Helper()
	r := &otlpReceiver{}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.Close)
	return r
}

func (r *otlpReceiver) handle(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.hdrs = append(r.hdrs, req.Header.Clone())
	r.paths = append(r.paths, req.URL.Path)

	switch {
	case strings.HasSuffix(req.URL.Path, "/traces"):
		msg := &collectortrace.ExportTraceServiceRequest{}
		if err := proto.Unmarshal(body, msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.traces = append(r.traces, msg)
	case strings.HasSuffix(req.URL.Path, "/logs"):
		msg := &collectorlogs.ExportLogsServiceRequest{}
		if err := proto.Unmarshal(body, msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.logs = append(r.logs, msg)
	default:
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
}

func (r *otlpReceiver) snapshot() (paths []string, hdrs []http.Header, traces []*collectortrace.ExportTraceServiceRequest, logs []*collectorlogs.ExportLogsServiceRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(paths, r.paths...), append(hdrs, r.hdrs...), append(traces, r.traces...), append(logs, r.logs...)
}

func receiverConfig(endpoint string) *core.Config {
	cfg := validConfig()
	cfg.IngestEndpoint = endpoint
	cfg.Origin = "unit-tests"
	cfg.ApplyDefaults()
	return cfg
}

func TestOTLPExporter_HTTPPathsAndHeaders(t *testing.T) {
	recv := newOTLPReceiver(t)
	ctx := context.Background()

	exp, err := NewOTLPExporter(ctx, receiverConfig(recv.URL+"/v1/"), WithBatchTimeout(10*time.Millisecond))
	require.NoError(t, err)

	traceID := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	parentID := trace.SpanID{0, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7}
	spanID := trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8}
	start := time.Now().Add(-time.Second)

	exp.ExportSpan(core.Span{
		TraceID:    traceID,
		SpanID:     spanID,
		ParentID:   parentID,
		Name:       "checkout",
		StartTime:  start,
		EndTime:    start.Add(300 * time.Millisecond),
		Status:     core.Status{Code: core.StatusError, Description: "declined"},
		Attributes: map[string]any{"order.id": "o-1", "items": 3},
		Events:     []core.Event{{Name: "retry", Time: start.Add(time.Millisecond)}},
	})
	exp.ExportLog(core.LogEvent{
		Timestamp:  start,
		Level:      core.LevelWarn,
		Message:    "card declined",
		Attributes: map[string]any{"attempt": 2},
		TraceID:    traceID,
		SpanID:     spanID,
	})

	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.Equal(t, core.FlushSuccess, exp.Flush(fctx))
	require.NoError(t, exp.Close(fctx))
	require.NoError(t, exp.Close(fctx), "close is idempotent")

	paths, hdrs, traces, logs := recv.snapshot()
	assert.ElementsMatch(t, []string{"/v1/traces", "/v1/logs"}, paths)
	for _, h := range hdrs {
		assert.Equal(t, "pylz_v1_test", h.Get(core.HeaderIngestToken))
		assert.Equal(t, "unit-tests", h.Get(core.HeaderOrigin))
	}

	require.Len(t, traces, 1)
	rs := traces[0].GetResourceSpans()
	require.Len(t, rs, 1)
	resAttrs := map[string]string{}
	for _, kv := range rs[0].GetResource().GetAttributes() {
		resAttrs[kv.GetKey()] = kv.GetValue().GetStringValue()
	}
	assert.Equal(t, "unit-test", resAttrs["service.name"])
	assert.Equal(t, "default", resAttrs["service.namespace"])
	assert.Equal(t, "prod", resAttrs["deployment.environment"])
	assert.Equal(t, "unit-tests", resAttrs["origin"])

	spans := rs[0].GetScopeSpans()[0].GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "checkout", spans[0].GetName())
	assert.Equal(t, traceID[:], spans[0].GetTraceId())
	assert.Equal(t, spanID[:], spans[0].GetSpanId())
	assert.Equal(t, parentID[:], spans[0].GetParentSpanId())
	assert.Equal(t, "declined", spans[0].GetStatus().GetMessage())
	assert.Len(t, spans[0].GetEvents(), 1)
	assert.Equal(t, ScopeName, rs[0].GetScopeSpans()[0].GetScope().GetName())

	require.Len(t, logs, 1)
	records := logs[0].GetResourceLogs()[0].GetScopeLogs()[0].GetLogRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "card declined", records[0].GetBody().GetStringValue())
	assert.Equal(t, "WARN", records[0].GetSeverityText())
	assert.Equal(t, traceID[:], records[0].GetTraceId())
	assert.Equal(t, spanID[:], records[0].GetSpanId())
}

func TestOTLPExporter_DropsAfterClose(t *testing.T) {
	recv := newOTLPReceiver(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exp, err := NewOTLPExporter(ctx, receiverConfig(recv.URL))
	require.NoError(t, err)
	require.NoError(t, exp.Close(ctx))

	exp.ExportSpan(core.Span{TraceID: trace.TraceID{1}, SpanID: trace.SpanID{1}, Name: "late"})
	exp.ExportLog(core.LogEvent{Message: "late"})

	paths, _, _, _ := recv.snapshot()
	assert.Empty(t, paths)
}

func TestOTLPExporter_GRPCDoesNotDial(t *testing.T) {
	cfg := receiverConfig("http://127.0.0.1:1")
	cfg.Protocol = core.ProtocolGRPC

	exp, err := NewOTLPExporter(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, core.FlushSuccess, exp.Flush(ctx), "nothing buffered, nothing to send")
	_ = exp.Close(ctx)
}

func TestController_EndToEndOverHTTP(t *testing.T) {
	recv := newOTLPReceiver(t)
	var console syncBuffer
	c := NewController(WithLogger(quietLogger()), WithConsoleOutput(&console))

	cfg := receiverConfig(recv.URL)
	cfg.MirrorToConsole = true
	require.NoError(t, c.Init(context.Background(), cfg))

	ctx := context.Background()
	err := c.WithSpan(ctx, "handle", map[string]any{"route": "/pay"}, func(ctx context.Context, span *SpanHandle) error {
		c.Info(ctx, "paying", nil)
		return nil
	})
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(sctx))

	_, _, traces, logs := recv.snapshot()
	assert.NotEmpty(t, traces)
	assert.NotEmpty(t, logs)
	assert.Contains(t, console.String(), "paying")
	assert.Contains(t, console.String(), "handle", "spans are mirrored too")
}

func TestToAttribute(t *testing.T) {
	tests := []struct {
		value any
		want  attribute.Value
	}{
		{"s", attribute.StringValue("s")},
		{true, attribute.BoolValue(true)},
		{7, attribute.IntValue(7)},
		{int64(8), attribute.Int64Value(8)},
		{int32(9), attribute.Int64Value(9)},
		{1.5, attribute.Float64Value(1.5)},
		{[]string{"a", "b"}, attribute.StringSliceValue([]string{"a", "b"})},
		{2 * time.Second, attribute.Int64Value(2000)},
		{errors.New("boom"), attribute.StringValue("boom")},
		{struct{ A int }{1}, attribute.StringValue("{1}")},
	}
	for _, tt := range tests {
		kv := toAttribute("k", tt.value)
		assert.Equal(t, attribute.Key("k"), kv.Key)
		assert.Equal(t, tt.want, kv.Value, "%T", tt.value)
	}
	assert.Nil(t, toAttributes(nil))
}

func TestToLogValue(t *testing.T) {
	assert.Equal(t, otellog.KindString, toLogValue("x").Kind())
	assert.Equal(t, otellog.KindInt64, toLogValue(3).Kind())
	assert.Equal(t, otellog.KindBool, toLogValue(false).Kind())
	assert.Equal(t, otellog.KindFloat64, toLogValue(0.5).Kind())
	assert.Equal(t, otellog.KindBytes, toLogValue([]byte("b")).Kind())
	assert.Equal(t, otellog.KindSlice, toLogValue([]string{"a"}).Kind())
	assert.Equal(t, otellog.KindMap, toLogValue(map[string]any{"n": 1}).Kind())
	assert.Equal(t, "boom", toLogValue(errors.New("boom")).AsString())
}

func TestSeverityAndCodeMapping(t *testing.T) {
	assert.Equal(t, otellog.SeverityDebug, toSeverity(core.LevelDebug))
	assert.Equal(t, otellog.SeverityInfo, toSeverity(core.LevelInfo))
	assert.Equal(t, otellog.SeverityWarn, toSeverity(core.LevelWarn))
	assert.Equal(t, otellog.SeverityError, toSeverity(core.LevelError))
	assert.Equal(t, otellog.SeverityFatal, toSeverity(core.LevelCritical))

	assert.Equal(t, codes.Ok, toCode(core.StatusOK))
	assert.Equal(t, codes.Error, toCode(core.StatusError))
	assert.Equal(t, codes.Unset, toCode(core.StatusUnset))
}
