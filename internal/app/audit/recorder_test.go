package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/clock"
	"github.com/coachpo/arbiter/internal/domain/conflictstore"
	"github.com/coachpo/arbiter/internal/infra/persistence/memory"
)

var base = time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC)

type flakyConflicts struct {
	*memory.ConflictStore
	mu       sync.Mutex
	failures int
	err      error
	appends  int
}

func (f *flakyConflicts) Append(ctx context.Context, entries []conflictstore.Entry) error {
	f.mu.Lock()
	f.appends++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.ConflictStore.Append(ctx, entries)
}

func blocked(ticker, requester, owner string) conflictstore.Entry {
	return conflictstore.Entry{
		Ticker:                  ticker,
		RequestingStrategyID:    requester,
		RequestingStrategyName:  requester,
		RequestingPriority:      50,
		ConflictingStrategyID:   owner,
		ConflictingStrategyName: owner,
		ConflictingPriority:     100,
		Resolution:              conflictstore.ResolutionBlocked,
		Reasoning:               "blocked by higher/equal-priority owner " + owner,
	}
}

func TestThrottleCollapsesWithinWindow(t *testing.T) {
	clk := clock.NewManual(base)
	store := memory.NewConflictStore()
	rec := NewRecorder(store, Options{ThrottleWindow: time.Minute, Clock: clk})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		rec.Record(ctx, blocked("AAPL", "trading", "long_term"))
		clk.Advance(100 * time.Millisecond)
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rows, err := rec.RecentConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one collapsed row, got %d", len(rows))
	}
	if rows[0].RepeatCount != 100 {
		t.Fatalf("expected repeat count 100, got %d", rows[0].RepeatCount)
	}
	if !rows[0].WindowStart.Equal(base) {
		t.Fatalf("window should start at first occurrence, got %s", rows[0].WindowStart)
	}
	if !rows[0].LastSeenAt.Equal(base.Add(9900 * time.Millisecond)) {
		t.Fatalf("unexpected last seen %s", rows[0].LastSeenAt)
	}
}

func TestThrottleWindowSpansFlushes(t *testing.T) {
	clk := clock.NewManual(base)
	store := memory.NewConflictStore()
	rec := NewRecorder(store, Options{ThrottleWindow: time.Minute, Clock: clk})
	ctx := context.Background()

	rec.Record(ctx, blocked("AAPL", "trading", "long_term"))
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	clk.Advance(10 * time.Second)
	rec.Record(ctx, blocked("AAPL", "trading", "long_term"))
	rec.Record(ctx, blocked("AAPL", "trading", "long_term"))

	rows, err := rec.RecentConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(rows) != 1 || rows[0].RepeatCount != 3 {
		t.Fatalf("expected single row with 3 repeats, got %+v", rows)
	}

	clk.Advance(2 * time.Minute)
	rec.Record(ctx, blocked("AAPL", "trading", "long_term"))
	rows, err = rec.RecentConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected a new row after the window closed, got %d", len(rows))
	}
}

func TestSustainedFloodOpensOneRowPerWindow(t *testing.T) {
	clk := clock.NewManual(base)
	rec := NewRecorder(memory.NewConflictStore(), Options{Clock: clk})
	ctx := context.Background()

	// Seven events 20s apart: windows open at 0s, 60s and 120s.
	for i := 0; i < 7; i++ {
		rec.Record(ctx, blocked("TSLA", "trading", "long_term"))
		clk.Advance(20 * time.Second)
	}
	rows, err := rec.RecentConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 tumbling windows, got %d rows", len(rows))
	}
	counts := map[time.Time]int{}
	for _, row := range rows {
		counts[row.WindowStart.UTC()] = row.RepeatCount
	}
	want := map[time.Time]int{base: 3, base.Add(time.Minute): 3, base.Add(2 * time.Minute): 1}
	for start, n := range want {
		if counts[start] != n {
			t.Fatalf("window %s: expected %d repeats, got %d (%v)", start, n, counts[start], counts)
		}
	}
}

func TestDistinctKeysAreNotCollapsed(t *testing.T) {
	rec := NewRecorder(memory.NewConflictStore(), Options{Clock: clock.NewManual(base)})
	ctx := context.Background()

	rec.Record(ctx, blocked("AAPL", "trading", "long_term"))
	rec.Record(ctx, blocked("MSFT", "trading", "long_term"))
	rec.Record(ctx, blocked("AAPL", "aggressive", "long_term"))
	override := blocked("AAPL", "trading", "long_term")
	override.Resolution = conflictstore.ResolutionOverride
	rec.Record(ctx, override)

	if got := rec.Pending(); got != 4 {
		t.Fatalf("expected 4 pending rows, got %d", got)
	}
	stats, err := rec.StatsByTicker(ctx, 7)
	if err != nil {
		t.Fatalf("StatsByTicker: %v", err)
	}
	if len(stats) != 2 || stats[0].Ticker != "AAPL" || stats[0].Count != 3 {
		t.Fatalf("unexpected ticker stats %+v", stats)
	}
}

func TestQueueOverflowWritesThrough(t *testing.T) {
	store := memory.NewConflictStore()
	rec := NewRecorder(store, Options{QueueSize: 2, Clock: clock.NewManual(base)})
	ctx := context.Background()
	rec.Record(ctx, blocked("A", "x", "y"))
	rec.Record(ctx, blocked("B", "x", "y"))
	rec.Record(ctx, blocked("C", "x", "y"))
	rec.Record(ctx, blocked("C", "x", "y"))

	if got := rec.Pending(); got != 2 {
		t.Fatalf("expected queue capped at 2, got %d", got)
	}
	written, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(written) != 1 || written[0].Ticker != "C" || written[0].RepeatCount != 2 {
		t.Fatalf("expected overflow row written through and collapsed, got %+v", written)
	}

	rows, err := rec.RecentConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	total := 0
	for _, row := range rows {
		total += row.RepeatCount
	}
	if len(rows) != 3 || total != 4 {
		t.Fatalf("expected every event recorded, got %d rows totalling %d", len(rows), total)
	}
}

func TestQueueOverflowDropsOnlyWhenWriteFails(t *testing.T) {
	store := &flakyConflicts{
		ConflictStore: memory.NewConflictStore(),
		failures:      1,
		err:           errs.New("append", errs.CodeUnavailable, errs.WithCause(errors.New("conn refused"))),
	}
	rec := NewRecorder(store, Options{QueueSize: 1, Clock: clock.NewManual(base)})
	ctx := context.Background()
	rec.Record(ctx, blocked("A", "x", "y"))
	rec.Record(ctx, blocked("B", "x", "y"))

	rows, err := rec.RecentConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConflicts: %v", err)
	}
	if len(rows) != 1 || rows[0].Ticker != "A" {
		t.Fatalf("expected only the queued row to survive a failed write-through, got %+v", rows)
	}
}

func TestTransientFlushFailureRequeues(t *testing.T) {
	store := &flakyConflicts{
		ConflictStore: memory.NewConflictStore(),
		failures:      1,
		err:           errs.New("append", errs.CodeUnavailable, errs.WithCause(errors.New("conn refused"))),
	}
	rec := NewRecorder(store, Options{Clock: clock.NewManual(base)})
	ctx := context.Background()
	rec.Record(ctx, blocked("AAPL", "trading", "long_term"))

	if err := rec.Flush(ctx); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if rec.Pending() != 1 {
		t.Fatalf("expected entry requeued, pending=%d", rec.Pending())
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if rec.Pending() != 0 {
		t.Fatal("expected queue drained")
	}
}

func TestBackgroundFlusherAndClose(t *testing.T) {
	store := memory.NewConflictStore()
	rec := NewRecorder(store, Options{FlushInterval: 10 * time.Millisecond})
	rec.Start()
	ctx := context.Background()

	p := pool.New().WithMaxGoroutines(8)
	for i := 0; i < 64; i++ {
		p.Go(func() {
			rec.Record(ctx, blocked("NVDA", "trading", "long_term"))
		})
	}
	p.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for rec.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rows, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	total := 0
	for _, row := range rows {
		total += row.RepeatCount
	}
	if total != 64 {
		t.Fatalf("expected 64 recorded events, got %d", total)
	}
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStatsAndPrune(t *testing.T) {
	clk := clock.NewManual(base)
	rec := NewRecorder(memory.NewConflictStore(), Options{Clock: clk})
	ctx := context.Background()

	rec.Record(ctx, blocked("OLD", "trading", "long_term"))
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	clk.Advance(100 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		rec.Record(ctx, blocked("NEW", "trading", "long_term"))
	}

	byStrategy, err := rec.StatsByStrategy(ctx, time.Hour)
	if err != nil {
		t.Fatalf("StatsByStrategy: %v", err)
	}
	if len(byStrategy) != 1 || byStrategy[0].Ticker != "NEW" || byStrategy[0].Count != 3 {
		t.Fatalf("unexpected strategy stats %+v", byStrategy)
	}

	removed, err := rec.Prune(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}

	if _, err := rec.StatsByTicker(ctx, 0); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid window, got %v", err)
	}
	if _, err := rec.Prune(ctx, 0); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid retention, got %v", err)
	}
}
