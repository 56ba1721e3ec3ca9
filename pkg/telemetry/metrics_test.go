package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func TestRecordNodeMetrics(t *testing.T) {
	reader := installMeter(t)

	RecordNodeMetrics(context.Background(), NodeMetrics{
		PipelineID:  "pipeline-123",
		NodeID:      "node-1",
		NodeType:    "operation",
		OperationID: "grayscale",
		Outcome:     OutcomeFailure,
		Duration:    150 * time.Millisecond,
	})

	metrics := collect(t, reader)

	sumExec, ok := metrics["vision.node.executions_total"]
	if !ok {
		t.Fatalf("missing vision.node.executions_total metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("operation.id")); !ok || value.AsString() != "grayscale" {
		t.Fatalf("expected operation.id attribute to be grayscale, got %v", value)
	}

	failures, ok := metrics["vision.node.failures_total"]
	if !ok {
		t.Fatalf("missing vision.node.failures_total metric")
	}
	if failures.Data.(metricdata.Sum[int64]).DataPoints[0].Value != 1 {
		t.Fatalf("expected failure count 1")
	}

	hist, ok := metrics["vision.node.duration_ms"]
	if !ok {
		t.Fatalf("missing vision.node.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordRunMetrics(t *testing.T) {
	reader := installMeter(t)

	RecordRunMetrics(context.Background(), RunMetrics{PipelineID: "p", Outcome: OutcomeSuccess, Duration: time.Millisecond})
	RecordRunMetrics(context.Background(), RunMetrics{PipelineID: "p", Outcome: OutcomeSuccess})

	metrics := collect(t, reader)
	runs, ok := metrics["vision.pipeline.runs_total"]
	if !ok {
		t.Fatalf("missing vision.pipeline.runs_total metric")
	}
	data := runs.Data.(metricdata.Sum[int64])
	if len(data.DataPoints) != 1 || data.DataPoints[0].Value != 2 {
		t.Fatalf("expected a single datapoint counting 2 runs, got %+v", data.DataPoints)
	}
}

func TestRecordConditionEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "node")
	RecordConditionEvent(span, "cond", "input.width > 10", true)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 condition event, got %d", len(events))
	}
	if events[0].Name != "condition.evaluated" {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("condition.outcome")); !ok || !value.AsBool() {
		t.Fatalf("expected condition.outcome attribute true")
	}
	if value, ok := attrs.Value(attribute.Key("node.id")); !ok || value.AsString() != "cond" {
		t.Fatalf("expected node.id 'cond', got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestStoreMetrics(t *testing.T) {
	m := NewStoreMetrics()
	m.RecordReload("success")
	m.RecordReload("success")
	m.RecordReload("error")
	m.UpdateLoaded(3, 2, 5)

	if got := testutil.ToFloat64(m.definitionReloads.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful reloads, got %v", got)
	}
	if got := testutil.ToFloat64(m.operationsLoaded); got != 5 {
		t.Fatalf("expected 5 operations loaded, got %v", got)
	}

	handler := m.MetricsMiddleware(m.Handler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "vision_pipelines_loaded 2") {
		t.Fatalf("expected exposition to include pipelines gauge, got:\n%s", rec.Body.String())
	}
	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodGet, "metrics", "200")); got != 1 {
		t.Fatalf("expected one recorded metrics request, got %v", got)
	}
}
