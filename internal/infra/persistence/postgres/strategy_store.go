package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
)

const (
	strategyColumns = `id::text, name, display_name, persona_type, priority, time_horizon,
    is_active, config_metadata, created_at, updated_at`

	strategyInsertSQL = `
INSERT INTO strategies (
    id, name, display_name, persona_type, priority, time_horizon,
    is_active, config_metadata, created_at, updated_at
)
VALUES (@id, @name, @display_name, @persona_type, @priority, @time_horizon,
    @is_active, @config_metadata::jsonb, NOW(), NOW())
RETURNING ` + strategyColumns

	strategyByNameSQL = `SELECT ` + strategyColumns + ` FROM strategies WHERE lower(name) = lower($1)`
	strategyByIDSQL   = `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1::uuid`
	strategyListSQL   = `SELECT ` + strategyColumns + ` FROM strategies ORDER BY priority DESC, name ASC`

	strategyPrioritySQL = `
UPDATE strategies SET priority = $2, updated_at = NOW()
WHERE lower(name) = lower($1)
RETURNING ` + strategyColumns

	strategyActiveSQL = `
UPDATE strategies SET is_active = $2, updated_at = NOW()
WHERE lower(name) = lower($1)
RETURNING ` + strategyColumns
)

// StrategyStore persists the strategy registry.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore constructs a StrategyStore backed by the provided pgx pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

var _ strategystore.Store = (*StrategyStore)(nil)

func (s *StrategyStore) ensurePool(op string) (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("strategy store: nil pool"))
	}
	return s.pool, nil
}

// Create inserts a strategy. An empty ID is assigned a random UUID.
func (s *StrategyStore) Create(ctx context.Context, strategy strategystore.Strategy) (strategystore.Strategy, error) {
	const op = "strategy_store.create"
	pool, err := s.ensurePool(op)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	id := strings.TrimSpace(strategy.ID)
	if id == "" {
		id = uuid.NewString()
	}
	metadata, err := encodeMetadata(strategy.ConfigMetadata)
	if err != nil {
		return strategystore.Strategy{}, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	args := pgx.NamedArgs{
		"id":              id,
		"name":            strings.TrimSpace(strategy.Name),
		"display_name":    strings.TrimSpace(strategy.DisplayName),
		"persona_type":    string(strategy.PersonaType),
		"priority":        strategy.Priority,
		"time_horizon":    string(strategy.TimeHorizon),
		"is_active":       strategy.Active,
		"config_metadata": metadata,
	}
	created, err := scanStrategy(pool.QueryRow(ctx, strategyInsertSQL, args))
	if err != nil {
		return strategystore.Strategy{}, classify(op, err)
	}
	return created, nil
}

// GetByName loads a strategy by case-insensitive name.
func (s *StrategyStore) GetByName(ctx context.Context, name string) (strategystore.Strategy, error) {
	const op = "strategy_store.get_by_name"
	pool, err := s.ensurePool(op)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	strategy, err := scanStrategy(pool.QueryRow(ctx, strategyByNameSQL, strings.TrimSpace(name)))
	if err != nil {
		return strategystore.Strategy{}, withName(classify(op, err), name)
	}
	return strategy, nil
}

// GetByID loads a strategy by id.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (strategystore.Strategy, error) {
	const op = "strategy_store.get_by_id"
	pool, err := s.ensurePool(op)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	strategy, err := scanStrategy(pool.QueryRow(ctx, strategyByIDSQL, strings.TrimSpace(id)))
	if err != nil {
		return strategystore.Strategy{}, classify(op, err)
	}
	return strategy, nil
}

// List returns every strategy ordered by priority descending.
func (s *StrategyStore) List(ctx context.Context) ([]strategystore.Strategy, error) {
	const op = "strategy_store.list"
	pool, err := s.ensurePool(op)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, strategyListSQL)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []strategystore.Strategy
	for rows.Next() {
		strategy, err := scanStrategy(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, strategy)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// UpdatePriority sets a strategy's priority.
func (s *StrategyStore) UpdatePriority(ctx context.Context, name string, priority int) (strategystore.Strategy, error) {
	const op = "strategy_store.update_priority"
	pool, err := s.ensurePool(op)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	strategy, err := scanStrategy(pool.QueryRow(ctx, strategyPrioritySQL, strings.TrimSpace(name), priority))
	if err != nil {
		return strategystore.Strategy{}, withName(classify(op, err), name)
	}
	return strategy, nil
}

// SetActive flips the active flag.
func (s *StrategyStore) SetActive(ctx context.Context, name string, active bool) (strategystore.Strategy, error) {
	const op = "strategy_store.set_active"
	pool, err := s.ensurePool(op)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	strategy, err := scanStrategy(pool.QueryRow(ctx, strategyActiveSQL, strings.TrimSpace(name), active))
	if err != nil {
		return strategystore.Strategy{}, withName(classify(op, err), name)
	}
	return strategy, nil
}

func scanStrategy(row pgx.Row) (strategystore.Strategy, error) {
	var (
		strategy strategystore.Strategy
		persona  string
		horizon  string
		metadata []byte
	)
	if err := row.Scan(
		&strategy.ID,
		&strategy.Name,
		&strategy.DisplayName,
		&persona,
		&strategy.Priority,
		&horizon,
		&strategy.Active,
		&metadata,
		&strategy.CreatedAt,
		&strategy.UpdatedAt,
	); err != nil {
		return strategystore.Strategy{}, err
	}
	strategy.PersonaType = strategystore.PersonaType(persona)
	strategy.TimeHorizon = strategystore.TimeHorizon(horizon)
	decoded, err := decodeMetadata(metadata)
	if err != nil {
		return strategystore.Strategy{}, err
	}
	strategy.ConfigMetadata = decoded
	return strategy, nil
}

func withName(err error, name string) error {
	if errs.Is(err, errs.CodeNotFound) {
		return errs.New("strategy_store", errs.CodeNotFound,
			errs.WithMessage("unknown strategy"),
			errs.WithField("name", name),
			errs.WithCause(err))
	}
	return err
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode config metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode config metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
