// Package ownershipstore defines persistence contracts for ticker ownership claims.
package ownershipstore

import (
	"context"
	"time"
)

// Type distinguishes exclusive from advisory claims.
type Type string

const (
	// TypePrimary is the exclusive, arbitrated claim. At most one per ticker.
	TypePrimary Type = "primary"
	// TypeSecondary is advisory co-interest and never blocks anyone.
	TypeSecondary Type = "secondary"
)

// Ownership is a single claim row. StrategyActive mirrors the owning strategy's
// is_active flag at read time.
type Ownership struct {
	ID             int64      `json:"id"`
	Ticker         string     `json:"ticker"`
	StrategyID     string     `json:"strategyId"`
	StrategyName   string     `json:"strategyName"`
	StrategyActive bool       `json:"strategyActive"`
	Type           Type       `json:"type"`
	LockedUntil    *time.Time `json:"lockedUntil,omitempty"`
	AcquiredAt     time.Time  `json:"acquiredAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// LockedAt reports whether the claim holds a live lock at the supplied instant.
func (o Ownership) LockedAt(now time.Time) bool {
	return o.LockedUntil != nil && o.LockedUntil.After(now)
}

// HeldAt reports whether the claim blocks other strategies at now. A lock left behind by
// a deactivated strategy does not.
func (o Ownership) HeldAt(now time.Time) bool {
	return o.StrategyActive && o.LockedAt(now)
}

// Query filters the ownership table.
type Query struct {
	Ticker     string
	StrategyID string
	Type       Type
	LockedOnly bool
	Now        time.Time
	Limit      int
}

// AcquireResult reports what an acquire replaced, if anything.
type AcquireResult struct {
	Ownership Ownership
	// Previous is the stale claim that was replaced, nil for a fresh acquisition
	// or a same-owner refresh.
	Previous *Ownership
	Refreshed bool
}

// Store abstracts persistence of ownership claims. Every mutation is atomic per ticker.
//
// AcquirePrimary fails with CodeOwnershipConflict when a different active strategy holds a
// live lock. TransferPrimary fails with CodeStaleOwnership when the current owner is not from.
// Both fail with CodeInvalid when the strategy taking the claim is inactive, checked inside
// the same atomic section as the write.
type Store interface {
	GetPrimary(ctx context.Context, ticker string) (*Ownership, error)
	AcquirePrimary(ctx context.Context, ticker, strategyID string, now, lockedUntil time.Time) (AcquireResult, error)
	TransferPrimary(ctx context.Context, ticker, fromID, toID string, now, lockedUntil time.Time) (Ownership, error)
	UpsertSecondary(ctx context.Context, ticker, strategyID string, now time.Time) (Ownership, error)
	Release(ctx context.Context, ticker, strategyID string) (int, error)
	ReleaseAllForStrategy(ctx context.Context, strategyID string, now time.Time) (int, error)
	List(ctx context.Context, query Query) ([]Ownership, error)
	CountExpired(ctx context.Context, now time.Time) (int, error)
}
