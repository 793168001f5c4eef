package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/ownershipstore"
)

// OwnershipStore serialises every mutation behind one mutex, which gives the same
// per-ticker linearizability as the database row and advisory locks.
type OwnershipStore struct {
	mu          sync.Mutex
	strategies  *StrategyStore
	nextID      int64
	primaries   map[string]ownershipstore.Ownership
	secondaries map[string]map[string]ownershipstore.Ownership
}

// NewOwnershipStore constructs an OwnershipStore that resolves strategy names through
// strategies. A nil strategies store skips reference checks.
func NewOwnershipStore(strategies *StrategyStore) *OwnershipStore {
	return &OwnershipStore{
		strategies:  strategies,
		primaries:   make(map[string]ownershipstore.Ownership),
		secondaries: make(map[string]map[string]ownershipstore.Ownership),
	}
}

var _ ownershipstore.Store = (*OwnershipStore)(nil)

func (s *OwnershipStore) resolve(op, strategyID string) (string, error) {
	if s.strategies == nil {
		return "", nil
	}
	name, _, ok := s.strategies.lookup(strategyID)
	if !ok {
		return "", errs.New(op, errs.CodeNotFound,
			errs.WithMessage("referenced strategy does not exist"),
			errs.WithField("strategy_id", strategyID))
	}
	return name, nil
}

// claimant resolves a strategy taking a primary claim and refuses inactive ones. Callers
// hold s.mu so a deactivation cascade cannot interleave between the check and the write.
func (s *OwnershipStore) claimant(op, strategyID string) (string, error) {
	if s.strategies == nil {
		return "", nil
	}
	name, active, ok := s.strategies.lookup(strategyID)
	if !ok {
		return "", errs.New(op, errs.CodeNotFound,
			errs.WithMessage("referenced strategy does not exist"),
			errs.WithField("strategy_id", strategyID))
	}
	if !active {
		return "", errs.New(op, errs.CodeInvalid,
			errs.WithMessage("strategy is inactive"),
			errs.WithField("strategy_id", strategyID))
	}
	return name, nil
}

// view copies claim and refreshes the owner's name and active flag.
func (s *OwnershipStore) view(claim ownershipstore.Ownership) *ownershipstore.Ownership {
	out := copyOwnership(claim)
	out.StrategyActive = true
	if s.strategies != nil {
		if name, active, ok := s.strategies.lookup(claim.StrategyID); ok {
			out.StrategyName = name
			out.StrategyActive = active
		}
	}
	return out
}

func (s *OwnershipStore) allocate() int64 {
	s.nextID++
	return s.nextID
}

// GetPrimary returns the primary claim for ticker, or nil when unowned.
func (s *OwnershipStore) GetPrimary(_ context.Context, ticker string) (*ownershipstore.Ownership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.primaries[ticker]
	if !ok {
		return nil, nil
	}
	return s.view(current), nil
}

// AcquirePrimary takes the ticker when free, refreshes a same-owner claim, or replaces a
// claim whose lock has lapsed or whose strategy is inactive.
func (s *OwnershipStore) AcquirePrimary(_ context.Context, ticker, strategyID string, now, lockedUntil time.Time) (ownershipstore.AcquireResult, error) {
	const op = "ownership_store.acquire_primary"
	s.mu.Lock()
	defer s.mu.Unlock()
	name, err := s.claimant(op, strategyID)
	if err != nil {
		return ownershipstore.AcquireResult{}, err
	}

	var result ownershipstore.AcquireResult
	current, exists := s.primaries[ticker]
	if exists {
		current = *s.view(current)
	}
	switch {
	case !exists:
		current = ownershipstore.Ownership{
			ID:         s.allocate(),
			Ticker:     ticker,
			StrategyID: strategyID,
			Type:       ownershipstore.TypePrimary,
			AcquiredAt: now,
		}
	case current.StrategyID == strategyID:
		result.Refreshed = true
	case current.HeldAt(now):
		return ownershipstore.AcquireResult{}, errs.New(op, errs.CodeOwnershipConflict,
			errs.WithMessage("ticker held by a live owner"),
			errs.WithField("ticker", ticker),
			errs.WithField("owner", current.StrategyName))
	default:
		result.Previous = copyOwnership(current)
		current.StrategyID = strategyID
		current.AcquiredAt = now
	}
	current.StrategyName = name
	current.StrategyActive = true
	current.LockedUntil = timePtr(lockedUntil)
	current.UpdatedAt = now
	s.primaries[ticker] = current
	result.Ownership = *copyOwnership(current)
	return result, nil
}

// TransferPrimary moves the claim from fromID to toID, failing with CodeStaleOwnership
// when fromID no longer owns ticker.
func (s *OwnershipStore) TransferPrimary(_ context.Context, ticker, fromID, toID string, now, lockedUntil time.Time) (ownershipstore.Ownership, error) {
	const op = "ownership_store.transfer_primary"
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.primaries[ticker]
	if !exists || current.StrategyID != fromID {
		return ownershipstore.Ownership{}, errs.New(op, errs.CodeStaleOwnership,
			errs.WithMessage("owner changed before transfer"),
			errs.WithField("ticker", ticker))
	}
	name, err := s.claimant(op, toID)
	if err != nil {
		return ownershipstore.Ownership{}, err
	}
	current.StrategyID = toID
	current.StrategyName = name
	current.StrategyActive = true
	current.LockedUntil = timePtr(lockedUntil)
	current.AcquiredAt = now
	current.UpdatedAt = now
	s.primaries[ticker] = current
	return *copyOwnership(current), nil
}

// UpsertSecondary records advisory interest in ticker.
func (s *OwnershipStore) UpsertSecondary(_ context.Context, ticker, strategyID string, now time.Time) (ownershipstore.Ownership, error) {
	name, err := s.resolve("ownership_store.upsert_secondary", strategyID)
	if err != nil {
		return ownershipstore.Ownership{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	claims := s.secondaries[ticker]
	if claims == nil {
		claims = make(map[string]ownershipstore.Ownership)
		s.secondaries[ticker] = claims
	}
	claim, exists := claims[strategyID]
	if !exists {
		claim = ownershipstore.Ownership{
			ID:         s.allocate(),
			Ticker:     ticker,
			StrategyID: strategyID,
			Type:       ownershipstore.TypeSecondary,
			AcquiredAt: now,
		}
	}
	claim.StrategyName = name
	claim.UpdatedAt = now
	claims[strategyID] = claim
	return *s.view(claim), nil
}

// Release deletes strategyID's claims on ticker.
func (s *OwnershipStore) Release(_ context.Context, ticker, strategyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	if current, ok := s.primaries[ticker]; ok && current.StrategyID == strategyID {
		delete(s.primaries, ticker)
		released++
	}
	if claims, ok := s.secondaries[ticker]; ok {
		if _, held := claims[strategyID]; held {
			delete(claims, strategyID)
			released++
		}
		if len(claims) == 0 {
			delete(s.secondaries, ticker)
		}
	}
	return released, nil
}

// ReleaseAllForStrategy clears the locks of every primary claim held by strategyID and
// drops its secondary claims.
func (s *OwnershipStore) ReleaseAllForStrategy(_ context.Context, strategyID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for ticker, current := range s.primaries {
		if current.StrategyID != strategyID || current.LockedUntil == nil {
			continue
		}
		current.LockedUntil = nil
		current.UpdatedAt = now
		s.primaries[ticker] = current
		released++
	}
	for ticker, claims := range s.secondaries {
		if _, held := claims[strategyID]; held {
			delete(claims, strategyID)
			released++
		}
		if len(claims) == 0 {
			delete(s.secondaries, ticker)
		}
	}
	return released, nil
}

// List returns claims matching query ordered primaries first, then by ticker and name.
func (s *OwnershipStore) List(_ context.Context, query ownershipstore.Query) ([]ownershipstore.Ownership, error) {
	ticker := strings.ToUpper(strings.TrimSpace(query.Ticker))
	strategyID := strings.TrimSpace(query.StrategyID)
	match := func(claim ownershipstore.Ownership) bool {
		if ticker != "" && claim.Ticker != ticker {
			return false
		}
		if strategyID != "" && claim.StrategyID != strategyID {
			return false
		}
		if query.Type != "" && claim.Type != query.Type {
			return false
		}
		if query.LockedOnly && !claim.LockedAt(query.Now) {
			return false
		}
		return true
	}

	s.mu.Lock()
	var out []ownershipstore.Ownership
	for _, claim := range s.primaries {
		if match(claim) {
			out = append(out, *s.view(claim))
		}
	}
	for _, claims := range s.secondaries {
		for _, claim := range claims {
			if match(claim) {
				out = append(out, *s.view(claim))
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].StrategyName < out[j].StrategyName
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// CountExpired reports primary claims whose lock is null or lapsed.
func (s *OwnershipStore) CountExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, claim := range s.primaries {
		if !claim.LockedAt(now) {
			count++
		}
	}
	return count, nil
}

func copyOwnership(claim ownershipstore.Ownership) *ownershipstore.Ownership {
	if claim.LockedUntil != nil {
		claim.LockedUntil = timePtr(*claim.LockedUntil)
	}
	return &claim
}

func timePtr(t time.Time) *time.Time {
	utc := t.UTC()
	return &utc
}
