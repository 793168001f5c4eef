package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/arbiter/internal/domain/conflictstore"
)

type throttleKey struct {
	key         string
	windowStart int64
}

// ConflictStore keeps audit rows in insertion order.
type ConflictStore struct {
	mu      sync.Mutex
	nextID  int64
	records []conflictstore.Record
	index   map[throttleKey]int
}

// NewConflictStore constructs an empty ConflictStore.
func NewConflictStore() *ConflictStore {
	return &ConflictStore{index: make(map[throttleKey]int)}
}

var _ conflictstore.Store = (*ConflictStore)(nil)

// Append inserts entries, adding repeat counts to rows that share a throttle window.
func (s *ConflictStore) Append(_ context.Context, entries []conflictstore.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.RepeatCount <= 0 {
			entry.RepeatCount = 1
		}
		if entry.LastSeenAt.IsZero() {
			entry.LastSeenAt = entry.WindowStart
		}
		k := throttleKey{key: entry.ThrottleKey, windowStart: entry.WindowStart.UnixNano()}
		if pos, ok := s.index[k]; ok {
			existing := &s.records[pos]
			existing.RepeatCount += entry.RepeatCount
			if entry.LastSeenAt.After(existing.LastSeenAt) {
				existing.LastSeenAt = entry.LastSeenAt
			}
			continue
		}
		s.nextID++
		s.records = append(s.records, conflictstore.Record{
			ID:        s.nextID,
			Entry:     entry,
			CreatedAt: entry.WindowStart,
		})
		s.index[k] = len(s.records) - 1
	}
	return nil
}

// Recent returns up to limit rows, most recently seen first.
func (s *ConflictStore) Recent(_ context.Context, limit int) ([]conflictstore.Record, error) {
	s.mu.Lock()
	out := make([]conflictstore.Record, len(s.records))
	copy(out, s.records)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StatsByTicker sums repeat counts per ticker for contested rows seen since the given instant.
func (s *ConflictStore) StatsByTicker(_ context.Context, since time.Time) ([]conflictstore.TickerStat, error) {
	counts := make(map[string]int)
	s.mu.Lock()
	for _, record := range s.records {
		if record.LastSeenAt.Before(since) || !record.Resolution.Contested() {
			continue
		}
		counts[record.Ticker] += record.RepeatCount
	}
	s.mu.Unlock()
	out := make([]conflictstore.TickerStat, 0, len(counts))
	for ticker, count := range counts {
		out = append(out, conflictstore.TickerStat{Ticker: ticker, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out, nil
}

// StatsByStrategy sums contested repeat counts per requesting strategy and ticker.
func (s *ConflictStore) StatsByStrategy(_ context.Context, since time.Time) ([]conflictstore.StrategyStat, error) {
	type group struct{ id, name, ticker string }
	counts := make(map[group]int)
	s.mu.Lock()
	for _, record := range s.records {
		if record.LastSeenAt.Before(since) || !record.Resolution.Contested() {
			continue
		}
		counts[group{record.RequestingStrategyID, record.RequestingStrategyName, record.Ticker}] += record.RepeatCount
	}
	s.mu.Unlock()
	out := make([]conflictstore.StrategyStat, 0, len(counts))
	for g, count := range counts {
		out = append(out, conflictstore.StrategyStat{StrategyID: g.id, StrategyName: g.name, Ticker: g.ticker, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].StrategyName != out[j].StrategyName {
			return out[i].StrategyName < out[j].StrategyName
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out, nil
}

// Prune deletes rows last seen before olderThan.
func (s *ConflictStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var pruned int64
	for _, record := range s.records {
		if record.LastSeenAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, record)
	}
	s.records = kept
	s.index = make(map[throttleKey]int, len(kept))
	for i, record := range kept {
		s.index[throttleKey{key: record.ThrottleKey, windowStart: record.WindowStart.UnixNano()}] = i
	}
	return pruned, nil
}
