package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for arbiter telemetry, namespace.attribute_name style.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTicker captures the instrument symbol under arbitration.
	AttrTicker = attribute.Key("ticker")
	// AttrStrategy names the requesting strategy.
	AttrStrategy = attribute.Key("strategy")
	// AttrOutcome is the decision outcome (no_conflict, blocked, overridden).
	AttrOutcome = attribute.Key("decision.outcome")
	// AttrResult records the outcome of an operation (written, collapsed, dropped, error).
	AttrResult = attribute.Key("result")
	// AttrOperation differentiates scheduled jobs and store operations.
	AttrOperation = attribute.Key("operation")
	// AttrErrorType categorizes failures by errs code.
	AttrErrorType = attribute.Key("error.type")
)

// Metric names.
const (
	MetricDecisions        = "arbiter_decisions_total"
	MetricDecisionDuration = "arbiter_decision_duration"
	MetricAuditEntries     = "arbiter_audit_entries_total"
	MetricBreakerTrips     = "arbiter_breaker_trips_total"
	MetricJobRuns          = "arbiter_job_runs_total"
)

// DecisionAttributes returns attributes for decision metrics. Ticker is left out on purpose
// to keep series cardinality bounded by the strategy count.
func DecisionAttributes(environment, strategy, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
		AttrOutcome.String(outcome),
	}
}

// ResultAttributes returns attributes for counters keyed by operation result.
func ResultAttributes(environment, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if operation != "" {
		attrs = append(attrs, AttrOperation.String(operation))
	}
	return attrs
}
