package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Node outcomes reported in metrics and span attributes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeFailureCounter   metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
	runCounter           metric.Int64Counter
	runLatencyHistogram  metric.Float64Histogram
)

// NodeMetrics captures the fields needed to record pipeline node telemetry metrics.
type NodeMetrics struct {
	PipelineID  string
	NodeID      string
	NodeType    string
	OperationID string
	Outcome     string
	Duration    time.Duration
}

// RunMetrics describes one completed pipeline run.
type RunMetrics struct {
	PipelineID string
	Outcome    string
	Duration   time.Duration
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.type", metrics.NodeType),
		attribute.String("node.outcome", metrics.Outcome),
	}
	if metrics.OperationID != "" {
		attrs = append(attrs, attribute.String("operation.id", metrics.OperationID))
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == OutcomeFailure {
		nodeFailureCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRunMetrics counts a finished run and its latency.
func RecordRunMetrics(ctx context.Context, metrics RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.String("run.outcome", metrics.Outcome),
	)
	runCounter.Add(ctx, 1, attrs)
	if metrics.Duration > 0 {
		runLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("vision.pipeline")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"vision.node.executions_total",
			metric.WithDescription("Pipeline node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeFailureCounter, metricsInitErr = meter.Int64Counter(
			"vision.node.failures_total",
			metric.WithDescription("Pipeline node executions that failed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"vision.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"vision.pipeline.runs_total",
			metric.WithDescription("Pipeline runs partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"vision.pipeline.duration_ms",
			metric.WithDescription("Observed end-to-end run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordConditionEvent attaches the outcome of a condition node to the provided span.
func RecordConditionEvent(span trace.Span, nodeID, expression string, outcome bool) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("condition.evaluated", trace.WithAttributes(
		attribute.String("node.id", nodeID),
		attribute.String("condition.expression", expression),
		attribute.Bool("condition.outcome", outcome),
	))
}
