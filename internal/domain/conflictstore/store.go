// Package conflictstore defines persistence contracts for the conflict audit trail.
package conflictstore

import (
	"context"
	"time"
)

// Resolution is the recorded outcome of a contention event.
type Resolution string

const (
	ResolutionBlocked  Resolution = "blocked"
	ResolutionOverride Resolution = "override"
	ResolutionAllowed  Resolution = "allowed"
)

// Contested reports whether the resolution involved a live owner. Allowed rows record
// expiry hand-offs and are excluded from conflict counts.
func (r Resolution) Contested() bool {
	return r == ResolutionBlocked || r == ResolutionOverride
}

// Entry is one (possibly collapsed) audit row pending persistence.
type Entry struct {
	Ticker                  string     `json:"ticker"`
	RequestingStrategyID    string     `json:"requestingStrategyId"`
	RequestingStrategyName  string     `json:"requestingStrategyName"`
	RequestingPriority      int        `json:"requestingPriority"`
	ConflictingStrategyID   string     `json:"conflictingStrategyId,omitempty"`
	ConflictingStrategyName string     `json:"conflictingStrategyName,omitempty"`
	ConflictingPriority     int        `json:"conflictingPriority"`
	Resolution              Resolution `json:"resolution"`
	Reasoning               string     `json:"reasoning"`
	ThrottleKey             string     `json:"throttleKey"`
	WindowStart             time.Time  `json:"windowStart"`
	RepeatCount             int        `json:"repeatCount"`
	LastSeenAt              time.Time  `json:"lastSeenAt"`
}

// Record is a persisted audit row.
type Record struct {
	ID int64 `json:"id"`
	Entry
	CreatedAt time.Time `json:"createdAt"`
}

// TickerStat aggregates conflicts per ticker.
type TickerStat struct {
	Ticker string `json:"ticker"`
	Count  int    `json:"count"`
}

// StrategyStat aggregates conflicts raised by a requesting strategy on one ticker.
type StrategyStat struct {
	StrategyID   string `json:"strategyId"`
	StrategyName string `json:"strategyName"`
	Ticker       string `json:"ticker"`
	Count        int    `json:"count"`
}

// Store abstracts persistence of the audit trail.
//
// Append writes a batch atomically. Entries sharing (ThrottleKey, WindowStart) with an
// existing row add their RepeatCount to it instead of creating a new row. The stats
// queries count contested rows only.
type Store interface {
	Append(ctx context.Context, entries []Entry) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	StatsByTicker(ctx context.Context, since time.Time) ([]TickerStat, error)
	StatsByStrategy(ctx context.Context, since time.Time) ([]StrategyStat, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
