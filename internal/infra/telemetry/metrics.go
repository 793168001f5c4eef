package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the arbiter's instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	decisions metric.Int64Counter
	duration  metric.Float64Histogram
	audit     metric.Int64Counter
	breaker   metric.Int64Counter
	jobs      metric.Int64Counter
}

// NewMetrics creates instruments on the supplied meter, falling back to the global meter.
// Instruments that fail to register are left nil and silently skipped.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter("arbiter")
	}
	m := new(Metrics)
	if c, err := meter.Int64Counter(MetricDecisions,
		metric.WithDescription("Conflict decisions by outcome"),
		metric.WithUnit("{decision}")); err == nil {
		m.decisions = c
	}
	if h, err := meter.Float64Histogram(MetricDecisionDuration,
		metric.WithDescription("End-to-end CheckAndAcquire latency"),
		metric.WithUnit("ms")); err == nil {
		m.duration = h
	}
	if c, err := meter.Int64Counter(MetricAuditEntries,
		metric.WithDescription("Audit entries by persistence result"),
		metric.WithUnit("{entry}")); err == nil {
		m.audit = c
	}
	if c, err := meter.Int64Counter(MetricBreakerTrips,
		metric.WithDescription("Strategies deactivated by the conflict circuit breaker"),
		metric.WithUnit("{trip}")); err == nil {
		m.breaker = c
	}
	if c, err := meter.Int64Counter(MetricJobRuns,
		metric.WithDescription("Scheduled job executions"),
		metric.WithUnit("{run}")); err == nil {
		m.jobs = c
	}
	return m
}

// RecordDecision counts a decision and its latency.
func (m *Metrics) RecordDecision(ctx context.Context, strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(DecisionAttributes(Environment(), strategy, outcome)...)
	if m.decisions != nil {
		m.decisions.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	}
}

// RecordAudit counts audit entries by result (written, collapsed, spilled, dropped, error).
func (m *Metrics) RecordAudit(ctx context.Context, result string, n int) {
	if m == nil || m.audit == nil || n <= 0 {
		return
	}
	m.audit.Add(ctx, int64(n), metric.WithAttributes(ResultAttributes(Environment(), "", result)...))
}

// RecordBreakerTrip counts a circuit-breaker deactivation.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, strategy string) {
	if m == nil || m.breaker == nil {
		return
	}
	m.breaker.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrStrategy.String(strategy),
	))
}

// RecordJob counts a scheduled job run.
func (m *Metrics) RecordJob(ctx context.Context, job, result string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(ResultAttributes(Environment(), job, result)...))
}
