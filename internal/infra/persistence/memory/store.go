// Package memory provides mutex-guarded in-process repositories with the same semantics as
// the PostgreSQL stores. Used by the memory database driver and by unit tests.
package memory

import (
	"time"
)

// Store bundles the in-memory repositories.
type Store struct {
	strategies *StrategyStore
	ownerships *OwnershipStore
	conflicts  *ConflictStore
}

// New constructs an empty in-memory store.
func New() *Store {
	strategies := NewStrategyStore()
	return &Store{
		strategies: strategies,
		ownerships: NewOwnershipStore(strategies),
		conflicts:  NewConflictStore(),
	}
}

// Strategies returns the strategy repository.
func (s *Store) Strategies() *StrategyStore { return s.strategies }

// Ownerships returns the ownership repository.
func (s *Store) Ownerships() *OwnershipStore { return s.ownerships }

// Conflicts returns the conflict log repository.
func (s *Store) Conflicts() *ConflictStore { return s.conflicts }

func utcNow() time.Time { return time.Now().UTC() }
