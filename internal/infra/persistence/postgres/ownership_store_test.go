package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/ownershipstore"
)

func TestOwnershipStoreNilPool(t *testing.T) {
	store := NewOwnershipStore(nil)
	ctx := context.Background()
	now := time.Now()
	if _, err := store.GetPrimary(ctx, "NVDA"); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable when pool nil, got %v", err)
	}
	if _, err := store.AcquirePrimary(ctx, "NVDA", "a", now, now.Add(time.Minute)); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable when pool nil, got %v", err)
	}
	if _, err := store.TransferPrimary(ctx, "NVDA", "a", "b", now, now.Add(time.Minute)); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.UpsertSecondary(ctx, "NVDA", "a", now); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Release(ctx, "NVDA", "a"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ReleaseAllForStrategy(ctx, "a", now); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.List(ctx, ownershipstore.Query{}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.CountExpired(ctx, now); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0, 10, 100); got != 10 {
		t.Fatalf("expected fallback, got %d", got)
	}
	if got := clampLimit(500, 10, 100); got != 100 {
		t.Fatalf("expected maximum, got %d", got)
	}
	if got := clampLimit(42, 10, 100); got != 42 {
		t.Fatalf("expected passthrough, got %d", got)
	}
}
