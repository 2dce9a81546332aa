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

// NodeOutcome classifies how a node invocation ended.
type NodeOutcome string

const (
	OutcomeCompleted NodeOutcome = "completed"
	OutcomeFailed    NodeOutcome = "failed"
	OutcomeSuspended NodeOutcome = "suspended"
	OutcomeTimeout   NodeOutcome = "timeout"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	nodeExecutionCounter metric.Int64Counter
	nodeRetryCounter     metric.Int64Counter
	nodeTimeoutCounter   metric.Int64Counter
	nodeSuspendedCounter metric.Int64Counter
	nodeLatencyHistogram metric.Float64Histogram
	runCounter           metric.Int64Counter
	runOutputCounter     metric.Int64Counter
	runDurationHistogram metric.Float64Histogram
	eventsDroppedCounter metric.Int64Counter
)

// NodeMetrics captures the fields needed to record node invocation metrics.
type NodeMetrics struct {
	PipelineID string
	NodeID     string
	Handler    string
	Outcome    NodeOutcome
	Duration   time.Duration
	Retries    int
}

// RunMetrics captures the fields needed to record run completion metrics.
type RunMetrics struct {
	PipelineID string
	State      string
	Duration   time.Duration
	Outputs    int
	// DroppedEvents counts live event deliveries skipped because a
	// subscriber fell behind. History queries are unaffected.
	DroppedEvents uint64
}

// RecordNodeMetrics emits counters and histograms that describe node
// invocation behaviour. Run ids are deliberately excluded from attributes to
// keep cardinality bounded.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.handler", metrics.Handler),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Retries > 0 {
		nodeRetryCounter.Add(ctx, int64(metrics.Retries), metric.WithAttributes(attrs...))
	}

	switch metrics.Outcome {
	case OutcomeTimeout:
		nodeTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case OutcomeSuspended:
		nodeSuspendedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRunMetrics emits counters and histograms for a finished run.
func RecordRunMetrics(ctx context.Context, metrics RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.String("run.state", metrics.State),
	}

	runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		runDurationHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Outputs > 0 {
		runOutputCounter.Add(ctx, int64(metrics.Outputs), metric.WithAttributes(attrs...))
	}

	if metrics.DroppedEvents > 0 {
		eventsDroppedCounter.Add(ctx, int64(metrics.DroppedEvents), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("mercato.agents")

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"agents.node.executions_total",
			metric.WithDescription("Node invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeRetryCounter, metricsInitErr = meter.Int64Counter(
			"agents.node.retries_total",
			metric.WithDescription("Retry attempts performed by node handlers"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"agents.node.timeout_total",
			metric.WithDescription("Node invocations that exceeded their deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeSuspendedCounter, metricsInitErr = meter.Int64Counter(
			"agents.node.suspended_total",
			metric.WithDescription("Node invocations that suspended awaiting human input"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"agents.node.duration_ms",
			metric.WithDescription("Observed node invocation latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"agents.run.executions_total",
			metric.WithDescription("Pipeline runs partitioned by terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runOutputCounter, metricsInitErr = meter.Int64Counter(
			"agents.run.outputs_total",
			metric.WithDescription("Output values yielded by pipeline runs"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runDurationHistogram, metricsInitErr = meter.Float64Histogram(
			"agents.run.duration_ms",
			metric.WithDescription("Observed run duration from start to terminal state"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		eventsDroppedCounter, metricsInitErr = meter.Int64Counter(
			"agents.events.dropped_total",
			metric.WithDescription("Live event deliveries skipped for slow subscribers"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordApprovalEvent attaches a coarse-grained human-in-the-loop event to the
// provided span without leaking request payloads.
func RecordApprovalEvent(span trace.Span, approved bool, requestID string, pendingLeft int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("approval.granted", approved),
		attribute.Int("approval.pending_remaining", pendingLeft),
	}

	if requestID != "" {
		attrs = append(attrs, attribute.String("approval.request_id", requestID))
	}

	span.AddEvent("approval.event", trace.WithAttributes(attrs...))
}
