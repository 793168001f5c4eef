package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/conflictstore"
	"github.com/coachpo/arbiter/internal/domain/ownershipstore"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
)

func create(t *testing.T, store *Store, name string, priority int) strategystore.Strategy {
	t.Helper()
	created, err := store.Strategies().Create(context.Background(), strategystore.Strategy{
		Name:        name,
		PersonaType: strategystore.PersonaTrading,
		Priority:    priority,
		TimeHorizon: strategystore.HorizonShort,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return created
}

func TestStrategyStoreConstraints(t *testing.T) {
	store := New()
	ctx := context.Background()
	create(t, store, "long_term", 100)

	cases := []struct {
		name     string
		strategy strategystore.Strategy
		want     errs.Code
	}{
		{"duplicate ignoring case", strategystore.Strategy{Name: "LONG_TERM"}, errs.CodeAlreadyExists},
		{"slash in name", strategystore.Strategy{Name: "a/b"}, errs.CodeInvalid},
		{"empty name", strategystore.Strategy{Name: ""}, errs.CodeInvalid},
		{"priority too high", strategystore.Strategy{Name: "x", Priority: 1001}, errs.CodeInvalid},
		{"priority negative", strategystore.Strategy{Name: "y", Priority: -1}, errs.CodeInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Strategies().Create(ctx, tc.strategy); !errs.Is(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}

	if _, err := store.Strategies().UpdatePriority(ctx, "ghost", 10); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	updated, err := store.Strategies().UpdatePriority(ctx, "Long_Term", 999)
	if err != nil || updated.Priority != 999 {
		t.Fatalf("UpdatePriority: %+v %v", updated, err)
	}
	byID, err := store.Strategies().GetByID(ctx, updated.ID)
	if err != nil || byID.Priority != 999 {
		t.Fatalf("GetByID: %+v %v", byID, err)
	}
}

func TestStrategyStoreListOrdering(t *testing.T) {
	store := New()
	create(t, store, "b", 50)
	create(t, store, "a", 50)
	create(t, store, "c", 900)
	list, err := store.Strategies().List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := []string{list[0].Name, list[1].Name, list[2].Name}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestOwnershipAcquireTransferRelease(t *testing.T) {
	store := New()
	ctx := context.Background()
	owners := store.Ownerships()
	a := create(t, store, "a", 100)
	b := create(t, store, "b", 50)
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

	if _, err := owners.AcquirePrimary(ctx, "NVDA", "missing", now, now.Add(time.Minute)); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected unknown strategy to fail, got %v", err)
	}
	res, err := owners.AcquirePrimary(ctx, "NVDA", a.ID, now, now.Add(time.Minute))
	if err != nil || res.Refreshed || res.Previous != nil {
		t.Fatalf("fresh acquire: %+v %v", res, err)
	}
	if _, err := owners.AcquirePrimary(ctx, "NVDA", b.ID, now, now.Add(time.Minute)); !errs.Is(err, errs.CodeOwnershipConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	res, err = owners.AcquirePrimary(ctx, "NVDA", a.ID, now, now.Add(2*time.Minute))
	if err != nil || !res.Refreshed || !res.Ownership.LockedUntil.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("refresh: %+v %v", res, err)
	}

	if _, err := owners.TransferPrimary(ctx, "NVDA", b.ID, a.ID, now, now.Add(time.Minute)); !errs.Is(err, errs.CodeStaleOwnership) {
		t.Fatalf("expected stale, got %v", err)
	}
	moved, err := owners.TransferPrimary(ctx, "NVDA", a.ID, b.ID, now, now.Add(time.Minute))
	if err != nil || moved.StrategyName != "b" {
		t.Fatalf("transfer: %+v %v", moved, err)
	}

	expired := now.Add(time.Hour)
	res, err = owners.AcquirePrimary(ctx, "NVDA", a.ID, expired, expired.Add(time.Minute))
	if err != nil || res.Previous == nil || res.Previous.StrategyID != b.ID {
		t.Fatalf("expected stale claim replaced: %+v %v", res, err)
	}

	n, err := owners.Release(ctx, "NVDA", b.ID)
	if err != nil || n != 0 {
		t.Fatalf("releasing a ticker owned by someone else must be a no-op: %d %v", n, err)
	}
	n, err = owners.Release(ctx, "NVDA", a.ID)
	if err != nil || n != 1 {
		t.Fatalf("release: %d %v", n, err)
	}
	if current, _ := owners.GetPrimary(ctx, "NVDA"); current != nil {
		t.Fatalf("expected ticker unowned, got %+v", current)
	}
}

func TestOwnershipRefusesInactiveClaimant(t *testing.T) {
	store := New()
	ctx := context.Background()
	owners := store.Ownerships()
	active := create(t, store, "active", 10)
	dormant := create(t, store, "dormant", 500)
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

	if _, err := owners.AcquirePrimary(ctx, "MU", dormant.ID, now, now.Add(time.Minute)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.Strategies().SetActive(ctx, "dormant", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	current, err := owners.GetPrimary(ctx, "MU")
	if err != nil || current == nil || current.StrategyActive || current.HeldAt(now) {
		t.Fatalf("expected claim reported as inactive, got %+v %v", current, err)
	}

	if _, err := owners.AcquirePrimary(ctx, "INTC", dormant.ID, now, now.Add(time.Minute)); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected inactive acquire refused, got %v", err)
	}
	if _, err := owners.AcquirePrimary(ctx, "MU", dormant.ID, now, now.Add(time.Minute)); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected inactive refresh refused, got %v", err)
	}

	res, err := owners.AcquirePrimary(ctx, "MU", active.ID, now, now.Add(time.Minute))
	if err != nil || res.Previous == nil || res.Previous.StrategyID != dormant.ID || !res.Ownership.StrategyActive {
		t.Fatalf("expected inactive owner replaced despite live lock, got %+v %v", res, err)
	}
	if _, err := owners.TransferPrimary(ctx, "MU", active.ID, dormant.ID, now, now.Add(time.Minute)); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected transfer to inactive strategy refused, got %v", err)
	}
}

func TestOwnershipReleaseAllForStrategy(t *testing.T) {
	store := New()
	ctx := context.Background()
	owners := store.Ownerships()
	a := create(t, store, "a", 100)
	b := create(t, store, "b", 100)
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	for _, ticker := range []string{"AAPL", "MSFT", "NVDA"} {
		if _, err := owners.AcquirePrimary(ctx, ticker, a.ID, now, now.Add(time.Minute)); err != nil {
			t.Fatalf("acquire %s: %v", ticker, err)
		}
	}
	if _, err := owners.AcquirePrimary(ctx, "AMD", b.ID, now, now.Add(time.Minute)); err != nil {
		t.Fatalf("acquire AMD: %v", err)
	}
	if _, err := owners.UpsertSecondary(ctx, "AMD", a.ID, now); err != nil {
		t.Fatalf("secondary: %v", err)
	}

	released, err := owners.ReleaseAllForStrategy(ctx, a.ID, now)
	if err != nil || released != 4 {
		t.Fatalf("expected 4 released claims, got %d %v", released, err)
	}
	again, err := owners.ReleaseAllForStrategy(ctx, a.ID, now)
	if err != nil || again != 0 {
		t.Fatalf("second release must be a no-op: %d %v", again, err)
	}
	locked, err := owners.List(ctx, ownershipstore.Query{StrategyID: a.ID, LockedOnly: true, Now: now})
	if err != nil || len(locked) != 0 {
		t.Fatalf("expected no live locks, got %v %v", locked, err)
	}
	expired, err := owners.CountExpired(ctx, now)
	if err != nil || expired != 3 {
		t.Fatalf("expected 3 expired primaries, got %d %v", expired, err)
	}
	amd, _ := owners.GetPrimary(ctx, "AMD")
	if amd == nil || !amd.LockedAt(now) {
		t.Fatalf("other strategies must keep their locks, got %+v", amd)
	}
}

func TestOwnershipConcurrentAcquireExclusive(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()
	ids := make([]string, 32)
	for i := range ids {
		ids[i] = create(t, store, fmt.Sprintf("s%d", i), 10).ID
	}
	var winners atomic.Int32
	p := pool.New().WithMaxGoroutines(8)
	for _, id := range ids {
		p.Go(func() {
			if _, err := store.Ownerships().AcquirePrimary(ctx, "TSLA", id, now, now.Add(time.Minute)); err == nil {
				winners.Add(1)
			}
		})
	}
	p.Wait()
	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestConflictStoreCollapseStatsPrune(t *testing.T) {
	store := NewConflictStore()
	ctx := context.Background()
	window := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	entry := conflictstore.Entry{
		Ticker:                 "NVDA",
		RequestingStrategyID:   "t",
		RequestingStrategyName: "trading",
		Resolution:             conflictstore.ResolutionBlocked,
		ThrottleKey:            "NVDA|t|l|blocked",
		WindowStart:            window,
		RepeatCount:            2,
	}
	if err := store.Append(ctx, []conflictstore.Entry{entry, entry}); err != nil {
		t.Fatalf("append: %v", err)
	}
	other := entry
	other.Ticker = "AAPL"
	other.ThrottleKey = "AAPL|t|l|blocked"
	other.RepeatCount = 0
	handoff := entry
	handoff.Ticker = "AMD"
	handoff.Resolution = conflictstore.ResolutionAllowed
	handoff.ThrottleKey = "AMD|t|l|allowed"
	if err := store.Append(ctx, []conflictstore.Entry{other, handoff}); err != nil {
		t.Fatalf("append: %v", err)
	}

	recent, _ := store.Recent(ctx, 10)
	if len(recent) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(recent))
	}
	tickers, _ := store.StatsByTicker(ctx, window.Add(-time.Minute))
	if len(tickers) != 2 || tickers[0].Ticker != "NVDA" || tickers[0].Count != 4 || tickers[1].Count != 1 {
		t.Fatalf("allowed hand-offs must not count as conflicts: %+v", tickers)
	}
	strategies, _ := store.StatsByStrategy(ctx, window.Add(-time.Minute))
	if len(strategies) != 2 || strategies[0].StrategyName != "trading" {
		t.Fatalf("unexpected strategy stats: %+v", strategies)
	}
	if stats, _ := store.StatsByTicker(ctx, window.Add(time.Minute)); len(stats) != 0 {
		t.Fatalf("window must exclude older rows, got %+v", stats)
	}
	pruned, _ := store.Prune(ctx, window.Add(time.Second))
	if pruned != 3 {
		t.Fatalf("expected 3 pruned, got %d", pruned)
	}
	if err := store.Append(ctx, []conflictstore.Entry{entry}); err != nil {
		t.Fatalf("append after prune: %v", err)
	}
	if recent, _ := store.Recent(ctx, 10); len(recent) != 1 || recent[0].RepeatCount != 2 {
		t.Fatalf("expected fresh row after prune, got %+v", recent)
	}
}
