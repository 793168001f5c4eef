// Package engine assembles the ownership arbiter from configuration and exposes the
// operations strategy loops and operators call.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/app/arbiter"
	"github.com/coachpo/arbiter/internal/app/audit"
	"github.com/coachpo/arbiter/internal/app/breaker"
	"github.com/coachpo/arbiter/internal/app/ledger"
	"github.com/coachpo/arbiter/internal/app/registry"
	"github.com/coachpo/arbiter/internal/app/scheduler"
	"github.com/coachpo/arbiter/internal/clock"
	"github.com/coachpo/arbiter/internal/domain/conflictstore"
	"github.com/coachpo/arbiter/internal/domain/ownershipstore"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
	"github.com/coachpo/arbiter/internal/infra/cache"
	"github.com/coachpo/arbiter/internal/infra/config"
	"github.com/coachpo/arbiter/internal/infra/persistence"
	"github.com/coachpo/arbiter/internal/infra/persistence/memory"
	"github.com/coachpo/arbiter/internal/infra/persistence/postgres"
	"github.com/coachpo/arbiter/internal/infra/telemetry"
	"github.com/coachpo/arbiter/internal/observability"
)

const (
	jobBreaker   = "breaker"
	jobRetention = "retention"
)

// Stores groups the repositories the engine runs on.
type Stores struct {
	Strategies strategystore.Store
	Ownerships ownershipstore.Store
	Conflicts  conflictstore.Store
}

// Options carries process-wide collaborators.
type Options struct {
	Logger  observability.Logger
	Metrics *telemetry.Metrics
	Clock   clock.Clock
	// Cache overrides the registry cache built from configuration.
	Cache cache.Store
}

// OwnershipFilter narrows Ownerships. Strategy is a name, not an id.
type OwnershipFilter struct {
	Ticker     string
	Strategy   string
	Type       ownershipstore.Type
	LockedOnly bool
	Limit      int
}

// Engine is the arbiter's service boundary.
type Engine struct {
	cfg       config.AppConfig
	logger    observability.Logger
	ledger    *ledger.Ledger
	registry  *registry.Registry
	recorder  *audit.Recorder
	arbiter   *arbiter.Arbiter
	breaker   *breaker.Monitor
	scheduler *scheduler.Runner
	started   bool
	closers   []func() error
}

// Open builds an Engine on the configured database driver and registry cache.
func Open(ctx context.Context, cfg config.AppConfig, opts Options) (*Engine, error) {
	var (
		stores  Stores
		closers []func() error
	)
	switch cfg.Database.Driver {
	case config.DriverMemory:
		mem := memory.New()
		stores = Stores{Strategies: mem.Strategies(), Ownerships: mem.Ownerships(), Conflicts: mem.Conflicts()}
	case config.DriverPostgres, "":
		pool, err := persistence.OpenPool(ctx, cfg.Database)
		if err != nil {
			return nil, errs.New("engine.open", errs.CodeUnavailable,
				errs.WithMessage("connect to database"),
				errs.WithRemediation("check database.dsn and that PostgreSQL is reachable"),
				errs.WithCause(err))
		}
		postgres.ObservePoolMetrics(pool, "arbiter")
		pg := postgres.New(pool)
		stores = Stores{Strategies: pg.Strategies(), Ownerships: pg.Ownerships(), Conflicts: pg.Conflicts()}
		closers = append(closers, func() error { pg.Close(); return nil })
	default:
		return nil, errs.Invalid("engine.open", fmt.Sprintf("unsupported database driver %q", cfg.Database.Driver))
	}

	if opts.Cache == nil {
		if addr := strings.TrimSpace(cfg.Registry.RedisAddr); addr != "" {
			rs := cache.NewRedisStore(&redis.Options{
				Addr:     addr,
				Password: cfg.Registry.RedisPassword,
				DB:       cfg.Registry.RedisDB,
			})
			opts.Cache = rs
			closers = append(closers, rs.Close)
		} else {
			opts.Cache = cache.NewMemoryStore(clock.OrSystem(opts.Clock).Now)
		}
	}

	e := New(cfg, stores, opts)
	e.closers = append(e.closers, closers...)
	return e, nil
}

// New wires an Engine over explicit stores.
func New(cfg config.AppConfig, stores Stores, opts Options) *Engine {
	logger := observability.OrNop(opts.Logger)
	clk := clock.OrSystem(opts.Clock)

	l := ledger.New(stores.Ownerships, ledger.Options{
		DefaultLock:         cfg.Ownership.DefaultLock,
		MinLock:             cfg.Ownership.MinLock,
		MaxLock:             cfg.Ownership.MaxLock,
		ReadRetries:         cfg.Ownership.ReadRetries,
		ReadRetryMaxElapsed: cfg.Ownership.ReadRetryMaxElapsed,
		Clock:               clk,
		Logger:              logger,
	})
	reg := registry.New(stores.Strategies, l, registry.Options{
		Cache:           opts.Cache,
		CacheTTL:        cfg.Registry.CacheTTL,
		KeyPrefix:       cfg.Registry.KeyPrefix,
		ReleaseAttempts: cfg.Ownership.ReleaseAttempts,
		Logger:          logger,
	})
	rec := audit.NewRecorder(stores.Conflicts, audit.Options{
		ThrottleWindow: cfg.Audit.ThrottleWindow,
		FlushInterval:  cfg.Audit.FlushInterval,
		BatchSize:      cfg.Audit.BatchSize,
		QueueSize:      cfg.Audit.QueueSize,
		Clock:          clk,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		ledger:   l,
		registry: reg,
		recorder: rec,
		arbiter: arbiter.New(reg, l, rec, arbiter.Options{
			DecisionAttempts: cfg.Ownership.DecisionAttempts,
			Logger:           logger,
			Metrics:          opts.Metrics,
		}),
		breaker: breaker.NewMonitor(reg, rec, breaker.Options{
			Window:    cfg.Breaker.Window,
			Threshold: cfg.Breaker.Threshold,
			Logger:    logger,
			Metrics:   opts.Metrics,
		}),
		scheduler: scheduler.New(context.Background(), scheduler.Options{
			Logger:  logger,
			Metrics: opts.Metrics,
		}),
	}
}

// Start runs the audit flusher and the configured maintenance jobs.
func (e *Engine) Start() error {
	if e.started {
		return nil
	}
	if e.cfg.Breaker.Enabled {
		if err := e.scheduler.Add(scheduler.Job{Name: jobBreaker, Schedule: e.cfg.Breaker.Schedule, Run: func(ctx context.Context) error {
			_, err := e.EvaluateBreaker(ctx)
			return err
		}}); err != nil {
			return err
		}
	}
	if e.cfg.Retention.Enabled {
		if err := e.scheduler.Add(scheduler.Job{Name: jobRetention, Schedule: e.cfg.Retention.Schedule, Run: func(ctx context.Context) error {
			_, err := e.PruneConflicts(ctx)
			return err
		}}); err != nil {
			return err
		}
	}
	e.recorder.Start()
	e.scheduler.Start()
	e.started = true
	return nil
}

// Close stops background work, flushes the audit log and releases connections.
func (e *Engine) Close(ctx context.Context) error {
	var failures []error
	if e.started {
		e.scheduler.Stop()
	}
	if err := e.recorder.Close(ctx); err != nil {
		failures = append(failures, fmt.Errorf("flush conflict log: %w", err))
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return observability.AggregateErrors(e.logger, "engine.close", failures)
	}
	return nil
}

// Seed creates missing strategies from configuration.
func (e *Engine) Seed(ctx context.Context, seeds []config.StrategySeed) (int, error) {
	params := make([]registry.CreateParams, 0, len(seeds))
	for _, seed := range seeds {
		params = append(params, SeedParams(seed))
	}
	created, err := e.registry.Seed(ctx, params)
	if err != nil {
		return created, err
	}
	if created > 0 {
		e.logger.Info("strategies seeded", observability.F("created", created))
	}
	return created, nil
}

// SeedParams converts a configured seed into registry parameters.
func SeedParams(seed config.StrategySeed) registry.CreateParams {
	return registry.CreateParams{
		Name:        seed.Name,
		DisplayName: seed.DisplayName,
		Persona:     strategystore.PersonaType(seed.Persona),
		Priority:    seed.Priority,
		TimeHorizon: strategystore.TimeHorizon(seed.TimeHorizon),
		Active:      seed.IsActive(),
		Config:      seed.Config,
	}
}

// CheckAndAcquire decides whether strategyName may trade ticker and applies the outcome.
// A zero lockDurationSeconds uses the configured default lock.
func (e *Engine) CheckAndAcquire(ctx context.Context, strategyName, ticker string, lockDurationSeconds int) (arbiter.Decision, error) {
	if lockDurationSeconds < 0 {
		return arbiter.Decision{}, errs.Invalid("engine.check_and_acquire", "lock duration must not be negative")
	}
	return e.arbiter.CheckAndAcquire(ctx, arbiter.Request{
		Strategy:     strategyName,
		Ticker:       ticker,
		LockDuration: time.Duration(lockDurationSeconds) * time.Second,
	})
}

// Release drops strategyName's claims on ticker once its position is closed.
func (e *Engine) Release(ctx context.Context, strategyName, ticker string) error {
	strategy, err := e.registry.GetByName(ctx, strategyName)
	if err != nil {
		return err
	}
	released, err := e.ledger.Release(ctx, ticker, strategy.ID)
	if err != nil {
		return err
	}
	e.logger.Debug("ownership released",
		observability.F("strategy", strategy.Name),
		observability.F("ticker", ticker),
		observability.F("released", released))
	return nil
}

// RegisterSecondary records advisory interest by strategyName in ticker.
func (e *Engine) RegisterSecondary(ctx context.Context, strategyName, ticker string) (ownershipstore.Ownership, error) {
	strategy, err := e.registry.GetByName(ctx, strategyName)
	if err != nil {
		return ownershipstore.Ownership{}, err
	}
	if !strategy.Active {
		return ownershipstore.Ownership{}, errs.New("engine.register_secondary", errs.CodeInvalid,
			errs.WithMessage("strategy is inactive"),
			errs.WithField("strategy", strategy.Name))
	}
	return e.ledger.RegisterSecondary(ctx, ticker, strategy.ID)
}

// Deactivate disables strategyName and releases every claim it holds.
func (e *Engine) Deactivate(ctx context.Context, strategyName string) (int, error) {
	_, released, err := e.registry.SetActive(ctx, strategyName, false)
	return released, err
}

// Activate re-enables strategyName.
func (e *Engine) Activate(ctx context.Context, strategyName string) error {
	_, _, err := e.registry.SetActive(ctx, strategyName, true)
	return err
}

// CreateStrategy registers a new strategy.
func (e *Engine) CreateStrategy(ctx context.Context, params registry.CreateParams) (strategystore.Strategy, error) {
	return e.registry.Create(ctx, params)
}

// UpdatePriority changes strategyName's arbitration priority.
func (e *Engine) UpdatePriority(ctx context.Context, strategyName string, priority int) (strategystore.Strategy, error) {
	return e.registry.UpdatePriority(ctx, strategyName, priority)
}

// Strategies lists every registered strategy, highest priority first.
func (e *Engine) Strategies(ctx context.Context) ([]strategystore.Strategy, error) {
	return e.registry.List(ctx)
}

// Ownerships returns the current ownership table.
func (e *Engine) Ownerships(ctx context.Context, filter OwnershipFilter) ([]ownershipstore.Ownership, error) {
	query := ownershipstore.Query{
		Type:       filter.Type,
		LockedOnly: filter.LockedOnly,
		Limit:      filter.Limit,
	}
	if strings.TrimSpace(filter.Ticker) != "" {
		ticker, err := ledger.NormalizeTicker(filter.Ticker)
		if err != nil {
			return nil, err
		}
		query.Ticker = ticker
	}
	if strings.TrimSpace(filter.Strategy) != "" {
		strategy, err := e.registry.GetByName(ctx, filter.Strategy)
		if err != nil {
			return nil, err
		}
		query.StrategyID = strategy.ID
	}
	return e.ledger.List(ctx, query)
}

// IsLocked reports whether ticker has a live primary owner.
func (e *Engine) IsLocked(ctx context.Context, ticker string) (bool, error) {
	return e.ledger.IsLocked(ctx, ticker)
}

// ExpiredClaims counts primary claims whose lock lapsed without a release.
func (e *Engine) ExpiredClaims(ctx context.Context) (int, error) {
	return e.ledger.CountExpired(ctx)
}

// RecentConflicts returns the newest conflict log rows.
func (e *Engine) RecentConflicts(ctx context.Context, limit int) ([]conflictstore.Record, error) {
	return e.recorder.RecentConflicts(ctx, limit)
}

// ConflictCountsByTicker counts conflicts per ticker over the trailing windowDays.
func (e *Engine) ConflictCountsByTicker(ctx context.Context, windowDays int) ([]conflictstore.TickerStat, error) {
	return e.recorder.StatsByTicker(ctx, windowDays)
}

// ConflictCountsByStrategy counts conflicts per requesting strategy and ticker over window.
func (e *Engine) ConflictCountsByStrategy(ctx context.Context, window time.Duration) ([]conflictstore.StrategyStat, error) {
	return e.recorder.StatsByStrategy(ctx, window)
}

// EvaluateBreaker runs one circuit-breaker pass.
func (e *Engine) EvaluateBreaker(ctx context.Context) ([]breaker.Trip, error) {
	return e.breaker.Evaluate(ctx)
}

// PruneConflicts applies the retention policy to the conflict log.
func (e *Engine) PruneConflicts(ctx context.Context) (int64, error) {
	return e.recorder.Prune(ctx, e.cfg.Retention.MaxAge)
}

// FlushConflicts writes pending conflict log rows.
func (e *Engine) FlushConflicts(ctx context.Context) error {
	return e.recorder.Flush(ctx)
}
