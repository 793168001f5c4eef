// Package registry manages strategy identities, priorities and active flags.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/persona"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
	"github.com/coachpo/arbiter/internal/infra/cache"
	"github.com/coachpo/arbiter/internal/observability"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// Releaser clears ledger claims for a deactivated strategy.
type Releaser interface {
	ReleaseAllForStrategy(ctx context.Context, strategyID string) (int, error)
}

// Options configures caching and logging.
type Options struct {
	// Cache holds strategy rows for CacheTTL. Nil disables caching.
	Cache     cache.Store
	CacheTTL  time.Duration
	KeyPrefix string
	// ReleaseAttempts bounds ledger release retries on deactivation.
	ReleaseAttempts int
	Logger          observability.Logger
}

// CreateParams describes a new strategy.
type CreateParams struct {
	Name        string
	DisplayName string
	Persona     strategystore.PersonaType
	Priority    int
	TimeHorizon strategystore.TimeHorizon
	Active      bool
	Config      map[string]any
}

// Registry fronts a strategystore.Store with validation and a read cache.
type Registry struct {
	store    strategystore.Store
	releaser Releaser
	cache    cache.Store
	ttl      time.Duration
	prefix   string
	attempts int
	logger   observability.Logger
}

// New constructs a Registry. releaser may be nil when deactivation must not touch the ledger.
func New(store strategystore.Store, releaser Releaser, opts Options) *Registry {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "arbiter:registry:"
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	attempts := opts.ReleaseAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Registry{
		store:    store,
		releaser: releaser,
		cache:    opts.Cache,
		ttl:      ttl,
		prefix:   prefix,
		attempts: attempts,
		logger:   observability.OrNop(opts.Logger),
	}
}

// Create validates params and persists a new strategy.
func (r *Registry) Create(ctx context.Context, params CreateParams) (strategystore.Strategy, error) {
	const op = "registry.create"
	strategy, err := build(op, params)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	created, err := r.store.Create(ctx, strategy)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	r.invalidate(ctx, created)
	r.logger.Info("strategy registered",
		observability.F("strategy", created.Name),
		observability.F("persona", string(created.PersonaType)),
		observability.F("priority", created.Priority))
	return created, nil
}

// Seed creates every missing strategy and leaves existing ones untouched.
func (r *Registry) Seed(ctx context.Context, seeds []CreateParams) (int, error) {
	created := 0
	for _, seed := range seeds {
		if _, err := r.store.GetByName(ctx, seed.Name); err == nil {
			continue
		} else if !errs.Is(err, errs.CodeNotFound) {
			return created, err
		}
		if _, err := r.Create(ctx, seed); err != nil {
			if errs.Is(err, errs.CodeAlreadyExists) {
				continue
			}
			return created, err
		}
		created++
	}
	return created, nil
}

// GetByName resolves a strategy case-insensitively.
func (r *Registry) GetByName(ctx context.Context, name string) (strategystore.Strategy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return strategystore.Strategy{}, errs.Invalid("registry.get", "strategy name required")
	}
	key := r.nameKey(name)
	if cached, ok := r.cached(ctx, key); ok {
		return cached, nil
	}
	strategy, err := r.store.GetByName(ctx, name)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	r.remember(ctx, key, strategy)
	return strategy, nil
}

// GetByID resolves a strategy by id.
func (r *Registry) GetByID(ctx context.Context, id string) (strategystore.Strategy, error) {
	key := r.prefix + "id:" + id
	if cached, ok := r.cached(ctx, key); ok {
		return cached, nil
	}
	strategy, err := r.store.GetByID(ctx, id)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	r.remember(ctx, key, strategy)
	return strategy, nil
}

// List returns every strategy, highest priority first.
func (r *Registry) List(ctx context.Context) ([]strategystore.Strategy, error) {
	return r.store.List(ctx)
}

// ListActiveByPriorityDesc returns active strategies, highest priority first.
func (r *Registry) ListActiveByPriorityDesc(ctx context.Context) ([]strategystore.Strategy, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]strategystore.Strategy, 0, len(all))
	for _, s := range all {
		if s.Active {
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].Name < active[j].Name
	})
	return active, nil
}

// UpdatePriority changes the priority used by future decisions. Existing claims are kept.
func (r *Registry) UpdatePriority(ctx context.Context, name string, priority int) (strategystore.Strategy, error) {
	if priority < strategystore.MinPriority || priority > strategystore.MaxPriority {
		return strategystore.Strategy{}, errs.New("registry.update_priority", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("priority must be within [%d, %d]", strategystore.MinPriority, strategystore.MaxPriority)),
			errs.WithField("strategy", name))
	}
	updated, err := r.store.UpdatePriority(ctx, name, priority)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	r.invalidate(ctx, updated)
	r.logger.Info("strategy priority updated",
		observability.F("strategy", updated.Name),
		observability.F("priority", updated.Priority))
	return updated, nil
}

// SetActive toggles the active flag. Deactivation also releases every ledger claim the
// strategy holds and returns the number released.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) (strategystore.Strategy, int, error) {
	updated, err := r.store.SetActive(ctx, name, active)
	if err != nil {
		return strategystore.Strategy{}, 0, err
	}
	r.invalidate(ctx, updated)
	if active || r.releaser == nil {
		r.logger.Info("strategy active flag updated",
			observability.F("strategy", updated.Name),
			observability.F("active", active))
		return updated, 0, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	released, err := backoff.Retry(ctx, func() (int, error) {
		n, err := r.releaser.ReleaseAllForStrategy(ctx, updated.ID)
		if err != nil && !errs.Retryable(err) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(r.attempts)))
	if err != nil {
		r.logger.Error("release claims after deactivation failed",
			observability.F("strategy", updated.Name),
			observability.F("error", err))
		return updated, 0, err
	}
	r.logger.Info("strategy deactivated",
		observability.F("strategy", updated.Name),
		observability.F("released", released))
	return updated, released, nil
}

// Persona decodes the strategy's persona config.
func (r *Registry) Persona(strategy strategystore.Strategy) (persona.Config, error) {
	return persona.Decode(strategy.PersonaType, strategy.ConfigMetadata)
}

func build(op string, params CreateParams) (strategystore.Strategy, error) {
	name := strings.TrimSpace(params.Name)
	if !namePattern.MatchString(name) {
		return strategystore.Strategy{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("strategy name must be 1-64 characters of letters, digits or underscore"),
			errs.WithField("name", params.Name))
	}
	if params.Priority < strategystore.MinPriority || params.Priority > strategystore.MaxPriority {
		return strategystore.Strategy{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("priority must be within [%d, %d]", strategystore.MinPriority, strategystore.MaxPriority)),
			errs.WithField("name", name))
	}
	horizon := strategystore.TimeHorizon(strings.ToLower(strings.TrimSpace(string(params.TimeHorizon))))
	switch horizon {
	case "":
		horizon = strategystore.HorizonMedium
	case strategystore.HorizonShort, strategystore.HorizonMedium, strategystore.HorizonLong:
	default:
		return strategystore.Strategy{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("time horizon must be short, medium or long"),
			errs.WithField("name", name))
	}
	cfg, err := persona.Decode(params.Persona, params.Config)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	metadata, err := cfg.Encode()
	if err != nil {
		return strategystore.Strategy{}, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	display := strings.TrimSpace(params.DisplayName)
	if display == "" {
		display = name
	}
	return strategystore.Strategy{
		ID:             uuid.NewString(),
		Name:           name,
		DisplayName:    display,
		PersonaType:    cfg.Persona,
		Priority:       params.Priority,
		TimeHorizon:    horizon,
		Active:         params.Active,
		ConfigMetadata: metadata,
	}, nil
}

func (r *Registry) nameKey(name string) string {
	return r.prefix + "name:" + strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) cached(ctx context.Context, key string) (strategystore.Strategy, bool) {
	if r.cache == nil {
		return strategystore.Strategy{}, false
	}
	data, found, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("registry cache read failed", observability.F("key", key), observability.F("error", err))
		return strategystore.Strategy{}, false
	}
	if !found {
		return strategystore.Strategy{}, false
	}
	var strategy strategystore.Strategy
	if err := json.Unmarshal(data, &strategy); err != nil {
		return strategystore.Strategy{}, false
	}
	return strategy, true
}

func (r *Registry) remember(ctx context.Context, key string, strategy strategystore.Strategy) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(strategy)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
		r.logger.Warn("registry cache write failed", observability.F("key", key), observability.F("error", err))
	}
}

func (r *Registry) invalidate(ctx context.Context, strategy strategystore.Strategy) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, r.nameKey(strategy.Name), r.prefix+"id:"+strategy.ID); err != nil {
		r.logger.Warn("registry cache invalidation failed",
			observability.F("strategy", strategy.Name),
			observability.F("error", err))
	}
}
