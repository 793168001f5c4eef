// Package breaker deactivates strategies that keep colliding with other owners.
package breaker

import (
	"context"
	"sort"
	"time"

	"github.com/coachpo/arbiter/internal/domain/conflictstore"
	"github.com/coachpo/arbiter/internal/domain/persona"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
	"github.com/coachpo/arbiter/internal/infra/telemetry"
	"github.com/coachpo/arbiter/internal/observability"
)

// Registry is the strategy lifecycle surface the breaker needs.
type Registry interface {
	ListActiveByPriorityDesc(ctx context.Context) ([]strategystore.Strategy, error)
	SetActive(ctx context.Context, name string, active bool) (strategystore.Strategy, int, error)
	Persona(strategy strategystore.Strategy) (persona.Config, error)
}

// Stats reads aggregated conflict counts.
type Stats interface {
	StatsByStrategy(ctx context.Context, window time.Duration) ([]conflictstore.StrategyStat, error)
}

// Options configures the trip condition.
type Options struct {
	Window    time.Duration
	Threshold int
	Logger    observability.Logger
	Metrics   *telemetry.Metrics
}

// Trip describes one deactivation.
type Trip struct {
	Strategy  string `json:"strategy"`
	Ticker    string `json:"ticker"`
	Conflicts int    `json:"conflicts"`
	Released  int    `json:"released"`
}

// Monitor evaluates conflict statistics against the threshold.
type Monitor struct {
	registry Registry
	stats    Stats
	opts     Options
}

// NewMonitor constructs a Monitor.
func NewMonitor(registry Registry, stats Stats, opts Options) *Monitor {
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 50
	}
	opts.Logger = observability.OrNop(opts.Logger)
	return &Monitor{registry: registry, stats: stats, opts: opts}
}

// Evaluate deactivates every active, non-exempt strategy whose conflicts on a single
// ticker reached the threshold within the window. Failures for one strategy do not stop
// the others; they are joined into the returned error.
func (m *Monitor) Evaluate(ctx context.Context) ([]Trip, error) {
	stats, err := m.stats.StatsByStrategy(ctx, m.opts.Window)
	if err != nil {
		return nil, err
	}
	worst := make(map[string]conflictstore.StrategyStat)
	for _, stat := range stats {
		if stat.StrategyID == "" || stat.Count < m.opts.Threshold {
			continue
		}
		if current, ok := worst[stat.StrategyID]; !ok || stat.Count > current.Count {
			worst[stat.StrategyID] = stat
		}
	}
	if len(worst) == 0 {
		return nil, nil
	}

	active, err := m.registry.ListActiveByPriorityDesc(ctx)
	if err != nil {
		return nil, err
	}
	var (
		trips    []Trip
		failures []error
	)
	for _, strategy := range active {
		stat, hot := worst[strategy.ID]
		if !hot {
			continue
		}
		cfg, err := m.registry.Persona(strategy)
		if err != nil {
			m.opts.Logger.Warn("strategy persona config invalid; breaker applies",
				observability.F("strategy", strategy.Name),
				observability.F("error", err))
		} else if cfg.ExemptFromBreaker() {
			m.opts.Logger.Debug("breaker skipped exempt strategy",
				observability.F("strategy", strategy.Name),
				observability.F("conflicts", stat.Count))
			continue
		}
		_, released, err := m.registry.SetActive(ctx, strategy.Name, false)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		m.opts.Metrics.RecordBreakerTrip(ctx, strategy.Name)
		m.opts.Logger.Warn("circuit breaker deactivated strategy",
			observability.F("strategy", strategy.Name),
			observability.F("ticker", stat.Ticker),
			observability.F("conflicts", stat.Count),
			observability.F("window", m.opts.Window.String()),
			observability.F("released", released))
		trips = append(trips, Trip{
			Strategy:  strategy.Name,
			Ticker:    stat.Ticker,
			Conflicts: stat.Count,
			Released:  released,
		})
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].Strategy < trips[j].Strategy })
	if len(failures) > 0 {
		return trips, observability.AggregateErrors(m.opts.Logger, "breaker.evaluate", failures)
	}
	return trips, nil
}
