package audit

import (
	"context"
	"time"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/conflictstore"
	"github.com/coachpo/arbiter/internal/observability"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// RecentConflicts returns up to limit rows, newest first. Pending rows are flushed first.
func (r *Recorder) RecentConflicts(ctx context.Context, limit int) ([]conflictstore.Record, error) {
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}
	r.flushBeforeRead(ctx)
	return r.store.Recent(ctx, limit)
}

// StatsByTicker counts conflicts per ticker over the trailing windowDays days.
func (r *Recorder) StatsByTicker(ctx context.Context, windowDays int) ([]conflictstore.TickerStat, error) {
	if windowDays <= 0 {
		return nil, errs.Invalid("audit.stats_by_ticker", "window must be at least one day")
	}
	r.flushBeforeRead(ctx)
	since := r.opts.Clock.Now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	return r.store.StatsByTicker(ctx, since)
}

// StatsByStrategy counts conflicts per requesting strategy and ticker over window.
func (r *Recorder) StatsByStrategy(ctx context.Context, window time.Duration) ([]conflictstore.StrategyStat, error) {
	if window <= 0 {
		return nil, errs.Invalid("audit.stats_by_strategy", "window must be positive")
	}
	r.flushBeforeRead(ctx)
	return r.store.StatsByStrategy(ctx, r.opts.Clock.Now().Add(-window))
}

// Prune deletes rows last seen before maxAge ago.
func (r *Recorder) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, errs.Invalid("audit.prune", "retention age must be positive")
	}
	removed, err := r.store.Prune(ctx, r.opts.Clock.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.opts.Logger.Info("conflict log pruned",
			observability.F("removed", removed),
			observability.F("max_age", maxAge.String()))
	}
	return removed, nil
}

func (r *Recorder) flushBeforeRead(ctx context.Context) {
	if err := r.Flush(ctx); err != nil {
		r.opts.Logger.Warn("flush before read failed", observability.F("error", err))
	}
}
