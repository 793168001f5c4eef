package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/arbiter/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories over one pool.
type Store struct {
	*persistence.Store
	strategies *StrategyStore
	ownerships *OwnershipStore
	conflicts  *ConflictStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:      persistence.NewStore(pool),
		strategies: NewStrategyStore(pool),
		ownerships: NewOwnershipStore(pool),
		conflicts:  NewConflictStore(pool),
	}
}

// Strategies returns the strategy registry repository.
func (s *Store) Strategies() *StrategyStore { return s.strategies }

// Ownerships returns the ownership ledger repository.
func (s *Store) Ownerships() *OwnershipStore { return s.ownerships }

// Conflicts returns the conflict log repository.
func (s *Store) Conflicts() *ConflictStore { return s.conflicts }
