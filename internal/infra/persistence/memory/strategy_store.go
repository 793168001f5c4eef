package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// StrategyStore keeps strategies keyed by lower-cased name.
type StrategyStore struct {
	mu     sync.RWMutex
	byName map[string]strategystore.Strategy
	byID   map[string]string
}

// NewStrategyStore constructs an empty StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{
		byName: make(map[string]strategystore.Strategy),
		byID:   make(map[string]string),
	}
}

var _ strategystore.Store = (*StrategyStore)(nil)

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Create inserts a strategy, enforcing the same constraints as the database schema.
func (s *StrategyStore) Create(_ context.Context, strategy strategystore.Strategy) (strategystore.Strategy, error) {
	const op = "strategy_store.create"
	strategy.Name = strings.TrimSpace(strategy.Name)
	if !namePattern.MatchString(strategy.Name) {
		return strategystore.Strategy{}, errs.Invalid(op, "strategy name must be 1-64 alphanumeric characters")
	}
	if strategy.Priority < strategystore.MinPriority || strategy.Priority > strategystore.MaxPriority {
		return strategystore.Strategy{}, errs.Invalid(op, "priority out of range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(strategy.Name)
	if _, exists := s.byName[k]; exists {
		return strategystore.Strategy{}, errs.New(op, errs.CodeAlreadyExists, errs.WithField("name", strategy.Name))
	}
	if strings.TrimSpace(strategy.ID) == "" {
		strategy.ID = uuid.NewString()
	}
	now := utcNow()
	strategy.CreatedAt = now
	strategy.UpdatedAt = now
	strategy.ConfigMetadata = cloneMap(strategy.ConfigMetadata)
	s.byName[k] = strategy
	s.byID[strategy.ID] = k
	return copyStrategy(strategy), nil
}

// GetByName loads a strategy by case-insensitive name.
func (s *StrategyStore) GetByName(_ context.Context, name string) (strategystore.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strategy, ok := s.byName[key(name)]
	if !ok {
		return strategystore.Strategy{}, errs.New("strategy_store.get_by_name", errs.CodeNotFound,
			errs.WithMessage("unknown strategy"), errs.WithField("name", name))
	}
	return copyStrategy(strategy), nil
}

// GetByID loads a strategy by id.
func (s *StrategyStore) GetByID(_ context.Context, id string) (strategystore.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return strategystore.Strategy{}, errs.New("strategy_store.get_by_id", errs.CodeNotFound,
			errs.WithField("id", id))
	}
	return copyStrategy(s.byName[k]), nil
}

// List returns every strategy ordered by priority descending then name.
func (s *StrategyStore) List(_ context.Context) ([]strategystore.Strategy, error) {
	s.mu.RLock()
	out := make([]strategystore.Strategy, 0, len(s.byName))
	for _, strategy := range s.byName {
		out = append(out, copyStrategy(strategy))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// UpdatePriority sets a strategy's priority.
func (s *StrategyStore) UpdatePriority(_ context.Context, name string, priority int) (strategystore.Strategy, error) {
	const op = "strategy_store.update_priority"
	if priority < strategystore.MinPriority || priority > strategystore.MaxPriority {
		return strategystore.Strategy{}, errs.Invalid(op, "priority out of range")
	}
	return s.mutate(op, name, func(strategy *strategystore.Strategy) {
		strategy.Priority = priority
	})
}

// SetActive flips the active flag.
func (s *StrategyStore) SetActive(_ context.Context, name string, active bool) (strategystore.Strategy, error) {
	return s.mutate("strategy_store.set_active", name, func(strategy *strategystore.Strategy) {
		strategy.Active = active
	})
}

func (s *StrategyStore) mutate(op, name string, fn func(*strategystore.Strategy)) (strategystore.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(name)
	strategy, ok := s.byName[k]
	if !ok {
		return strategystore.Strategy{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("unknown strategy"), errs.WithField("name", name))
	}
	fn(&strategy)
	strategy.UpdatedAt = utcNow()
	s.byName[k] = strategy
	return copyStrategy(strategy), nil
}

func (s *StrategyStore) lookup(id string) (name string, active, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	if !ok {
		return "", false, false
	}
	strategy := s.byName[k]
	return strategy.Name, strategy.Active, true
}

func copyStrategy(strategy strategystore.Strategy) strategystore.Strategy {
	strategy.ConfigMetadata = cloneMap(strategy.ConfigMetadata)
	return strategy
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
