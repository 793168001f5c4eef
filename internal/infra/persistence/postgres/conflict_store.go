package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/conflictstore"
)

const (
	conflictUpsertSQL = `
INSERT INTO conflict_log (
    ticker,
    requesting_strategy_id,
    requesting_strategy_name,
    requesting_priority,
    conflicting_strategy_id,
    conflicting_strategy_name,
    conflicting_priority,
    resolution,
    reasoning,
    repeat_count,
    throttle_key,
    window_start,
    created_at,
    last_seen_at
)
VALUES (
    @ticker,
    @requesting_id::uuid,
    @requesting_name,
    @requesting_priority,
    @conflicting_id::uuid,
    @conflicting_name,
    @conflicting_priority,
    @resolution,
    @reasoning,
    @repeat_count,
    @throttle_key,
    @window_start,
    @window_start,
    @last_seen_at
)
ON CONFLICT (throttle_key, window_start) DO UPDATE SET
    repeat_count = conflict_log.repeat_count + EXCLUDED.repeat_count,
    last_seen_at = GREATEST(conflict_log.last_seen_at, EXCLUDED.last_seen_at);
`

	conflictRecentSQL = `
SELECT id, ticker,
    COALESCE(requesting_strategy_id::text, ''), requesting_strategy_name, requesting_priority,
    COALESCE(conflicting_strategy_id::text, ''), conflicting_strategy_name, conflicting_priority,
    resolution, reasoning, repeat_count, throttle_key, window_start, created_at, last_seen_at
FROM conflict_log
ORDER BY last_seen_at DESC, id DESC
LIMIT $1`

	conflictTickerStatsSQL = `
SELECT ticker, SUM(repeat_count)::bigint
FROM conflict_log
WHERE last_seen_at >= $1 AND resolution IN ('blocked', 'override')
GROUP BY ticker
ORDER BY 2 DESC, ticker ASC`

	conflictStrategyStatsSQL = `
SELECT COALESCE(requesting_strategy_id::text, ''), requesting_strategy_name, ticker, SUM(repeat_count)::bigint
FROM conflict_log
WHERE last_seen_at >= $1 AND resolution IN ('blocked', 'override')
GROUP BY requesting_strategy_id, requesting_strategy_name, ticker
ORDER BY 4 DESC, requesting_strategy_name ASC, ticker ASC`

	conflictPruneSQL = `DELETE FROM conflict_log WHERE last_seen_at < $1`

	defaultConflictLimit = 50
	maxConflictLimit     = 1000
)

// ConflictStore persists the conflict audit trail.
type ConflictStore struct {
	pool *pgxpool.Pool
}

// NewConflictStore constructs a ConflictStore backed by the provided pool.
func NewConflictStore(pool *pgxpool.Pool) *ConflictStore {
	return &ConflictStore{pool: pool}
}

var _ conflictstore.Store = (*ConflictStore)(nil)

func (s *ConflictStore) ensurePool(op string) (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("conflict store: nil pool"))
	}
	return s.pool, nil
}

// Append writes entries in one transaction, folding rows that share a throttle window.
func (s *ConflictStore) Append(ctx context.Context, entries []conflictstore.Entry) error {
	const op = "conflict_store.append"
	if len(entries) == 0 {
		return nil
	}
	pool, err := s.ensurePool(op)
	if err != nil {
		return err
	}

	batch := new(pgx.Batch)
	for _, entry := range entries {
		repeat := entry.RepeatCount
		if repeat <= 0 {
			repeat = 1
		}
		lastSeen := entry.LastSeenAt
		if lastSeen.IsZero() {
			lastSeen = entry.WindowStart
		}
		batch.Queue(conflictUpsertSQL, pgx.NamedArgs{
			"ticker":               entry.Ticker,
			"requesting_id":        nullableUUID(entry.RequestingStrategyID),
			"requesting_name":      entry.RequestingStrategyName,
			"requesting_priority":  entry.RequestingPriority,
			"conflicting_id":       nullableUUID(entry.ConflictingStrategyID),
			"conflicting_name":     entry.ConflictingStrategyName,
			"conflicting_priority": entry.ConflictingPriority,
			"resolution":           string(entry.Resolution),
			"reasoning":            entry.Reasoning,
			"repeat_count":         repeat,
			"throttle_key":         entry.ThrottleKey,
			"window_start":         entry.WindowStart,
			"last_seen_at":         lastSeen,
		})
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return classify(op, fmt.Errorf("begin tx: %w", err))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return classify(op, fmt.Errorf("rollback tx: %w (original error: %v)", rbErr, err))
		}
		return classify(op, err)
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classify(op, fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Recent returns the most recently touched rows.
func (s *ConflictStore) Recent(ctx context.Context, limit int) ([]conflictstore.Record, error) {
	const op = "conflict_store.recent"
	pool, err := s.ensurePool(op)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, conflictRecentSQL, clampLimit(limit, defaultConflictLimit, maxConflictLimit))
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []conflictstore.Record
	for rows.Next() {
		var (
			record     conflictstore.Record
			resolution string
		)
		if err := rows.Scan(
			&record.ID,
			&record.Ticker,
			&record.RequestingStrategyID,
			&record.RequestingStrategyName,
			&record.RequestingPriority,
			&record.ConflictingStrategyID,
			&record.ConflictingStrategyName,
			&record.ConflictingPriority,
			&resolution,
			&record.Reasoning,
			&record.RepeatCount,
			&record.ThrottleKey,
			&record.WindowStart,
			&record.CreatedAt,
			&record.LastSeenAt,
		); err != nil {
			return nil, classify(op, err)
		}
		record.Resolution = conflictstore.Resolution(resolution)
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// StatsByTicker sums repeat counts per ticker for contested rows seen since the given instant.
func (s *ConflictStore) StatsByTicker(ctx context.Context, since time.Time) ([]conflictstore.TickerStat, error) {
	const op = "conflict_store.stats_by_ticker"
	pool, err := s.ensurePool(op)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, conflictTickerStatsSQL, since)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []conflictstore.TickerStat
	for rows.Next() {
		var (
			stat  conflictstore.TickerStat
			count int64
		)
		if err := rows.Scan(&stat.Ticker, &count); err != nil {
			return nil, classify(op, err)
		}
		stat.Count = int(count)
		out = append(out, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// StatsByStrategy sums contested repeat counts per requesting strategy and ticker.
func (s *ConflictStore) StatsByStrategy(ctx context.Context, since time.Time) ([]conflictstore.StrategyStat, error) {
	const op = "conflict_store.stats_by_strategy"
	pool, err := s.ensurePool(op)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, conflictStrategyStatsSQL, since)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []conflictstore.StrategyStat
	for rows.Next() {
		var (
			stat  conflictstore.StrategyStat
			count int64
		)
		if err := rows.Scan(&stat.StrategyID, &stat.StrategyName, &stat.Ticker, &count); err != nil {
			return nil, classify(op, err)
		}
		stat.Count = int(count)
		out = append(out, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// Prune deletes rows last seen before olderThan.
func (s *ConflictStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	const op = "conflict_store.prune"
	pool, err := s.ensurePool(op)
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, conflictPruneSQL, olderThan)
	if err != nil {
		return 0, classify(op, err)
	}
	return tag.RowsAffected(), nil
}

func nullableUUID(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
