package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/app/ledger"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
	"github.com/coachpo/arbiter/internal/infra/cache"
	"github.com/coachpo/arbiter/internal/infra/persistence/memory"
)

type countingStore struct {
	strategystore.Store
	byName int
}

func (c *countingStore) GetByName(ctx context.Context, name string) (strategystore.Strategy, error) {
	c.byName++
	return c.Store.GetByName(ctx, name)
}

type failingReleaser struct {
	calls int
	err   error
}

func (f *failingReleaser) ReleaseAllForStrategy(context.Context, string) (int, error) {
	f.calls++
	return 0, f.err
}

func trading(name string, priority int) CreateParams {
	return CreateParams{
		Name:        name,
		Persona:     strategystore.PersonaTrading,
		Priority:    priority,
		TimeHorizon: strategystore.HorizonShort,
		Active:      true,
		Config:      map[string]any{"maxHoldMinutes": 30, "stopLossPercent": "1.5"},
	}
}

func TestCreateValidates(t *testing.T) {
	reg := New(memory.New().Strategies(), nil, Options{})
	ctx := context.Background()

	cases := map[string]CreateParams{
		"bad name":     {Name: "bad name", Persona: strategystore.PersonaTrading},
		"priority":     {Name: "p", Persona: strategystore.PersonaTrading, Priority: 1001},
		"negative":     {Name: "n", Persona: strategystore.PersonaTrading, Priority: -1},
		"horizon":      {Name: "h", Persona: strategystore.PersonaTrading, TimeHorizon: "forever"},
		"persona":      {Name: "x", Persona: "quant"},
		"unknown keys": {Name: "k", Persona: strategystore.PersonaDividend, Config: map[string]any{"leverage": 3}},
	}
	for label, params := range cases {
		if _, err := reg.Create(ctx, params); !errs.Is(err, errs.CodeInvalid) {
			t.Fatalf("%s: expected invalid argument, got %v", label, err)
		}
	}

	created, err := reg.Create(ctx, trading("swing", 50))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.DisplayName != "swing" || created.TimeHorizon != strategystore.HorizonShort {
		t.Fatalf("unexpected strategy %+v", created)
	}
	if _, err := reg.Create(ctx, trading("SWING", 10)); !errs.Is(err, errs.CodeAlreadyExists) {
		t.Fatalf("expected duplicate to fail, got %v", err)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	reg := New(memory.New().Strategies(), nil, Options{})
	ctx := context.Background()
	seeds := []CreateParams{trading("a", 10), trading("b", 20)}

	created, err := reg.Seed(ctx, seeds)
	if err != nil || created != 2 {
		t.Fatalf("first seed: created=%d err=%v", created, err)
	}
	if _, err := reg.UpdatePriority(ctx, "a", 99); err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}
	created, err = reg.Seed(ctx, seeds)
	if err != nil || created != 0 {
		t.Fatalf("second seed: created=%d err=%v", created, err)
	}
	a, err := reg.GetByName(ctx, "A")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if a.Priority != 99 {
		t.Fatalf("seed must not overwrite existing strategies, priority=%d", a.Priority)
	}
}

func TestCacheServesAndInvalidates(t *testing.T) {
	base := &countingStore{Store: memory.New().Strategies()}
	reg := New(base, nil, Options{Cache: cache.NewMemoryStore(nil), CacheTTL: time.Minute})
	ctx := context.Background()
	if _, err := reg.Create(ctx, trading("cached", 10)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := reg.GetByName(ctx, "cached"); err != nil {
			t.Fatalf("GetByName: %v", err)
		}
	}
	if base.byName != 1 {
		t.Fatalf("expected one store read, got %d", base.byName)
	}

	if _, err := reg.UpdatePriority(ctx, "cached", 700); err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}
	got, err := reg.GetByName(ctx, "cached")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got.Priority != 700 {
		t.Fatalf("expected refreshed priority, got %d", got.Priority)
	}
	byID, err := reg.GetByID(ctx, got.ID)
	if err != nil || byID.Priority != 700 {
		t.Fatalf("GetByID: %+v %v", byID, err)
	}
}

func TestUpdatePriorityBounds(t *testing.T) {
	reg := New(memory.New().Strategies(), nil, Options{})
	ctx := context.Background()
	if _, err := reg.Create(ctx, trading("t", 10)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.UpdatePriority(ctx, "t", 1001); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if _, err := reg.UpdatePriority(ctx, "missing", 5); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeactivateReleasesClaims(t *testing.T) {
	mem := memory.New()
	l := ledger.New(mem.Ownerships(), ledger.Options{})
	reg := New(mem.Strategies(), l, Options{})
	ctx := context.Background()

	s, err := reg.Create(ctx, trading("holder", 10))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, ticker := range []string{"AAPL", "MSFT"} {
		if _, err := l.AcquirePrimary(ctx, ticker, s.ID, time.Minute); err != nil {
			t.Fatalf("acquire %s: %v", ticker, err)
		}
	}
	if _, err := l.RegisterSecondary(ctx, "NVDA", s.ID); err != nil {
		t.Fatalf("secondary: %v", err)
	}

	updated, released, err := reg.SetActive(ctx, "holder", false)
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if updated.Active {
		t.Fatal("expected inactive strategy")
	}
	if released != 3 {
		t.Fatalf("expected 3 released claims, got %d", released)
	}
	locked, err := l.IsLocked(ctx, "AAPL")
	if err != nil || locked {
		t.Fatalf("expected AAPL unlocked: locked=%v err=%v", locked, err)
	}

	active, err := reg.ListActiveByPriorityDesc(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active strategies, got %v %v", active, err)
	}

	_, released, err = reg.SetActive(ctx, "holder", true)
	if err != nil || released != 0 {
		t.Fatalf("reactivate: released=%d err=%v", released, err)
	}
}

func TestDeactivateRetriesOnlyTransientFailures(t *testing.T) {
	ctx := context.Background()

	transient := &failingReleaser{err: errs.New("release", errs.CodeUnavailable, errs.WithCause(errors.New("conn reset")))}
	reg := New(memory.New().Strategies(), transient, Options{ReleaseAttempts: 2})
	if _, err := reg.Create(ctx, trading("t", 10)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := reg.SetActive(ctx, "t", false); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if transient.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", transient.calls)
	}

	permanent := &failingReleaser{err: errs.Invalid("release", "bad id")}
	reg = New(memory.New().Strategies(), permanent, Options{ReleaseAttempts: 5})
	if _, err := reg.Create(ctx, trading("t", 10)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := reg.SetActive(ctx, "t", false); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if permanent.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", permanent.calls)
	}
}

func TestListActiveOrdering(t *testing.T) {
	reg := New(memory.New().Strategies(), nil, Options{})
	ctx := context.Background()
	for _, p := range []CreateParams{trading("low", 10), trading("high", 90), trading("mid", 50)} {
		if _, err := reg.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	active, err := reg.ListActiveByPriorityDesc(ctx)
	if err != nil {
		t.Fatalf("ListActiveByPriorityDesc: %v", err)
	}
	want := []string{"high", "mid", "low"}
	for i, s := range active {
		if s.Name != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], s.Name)
		}
	}
}
