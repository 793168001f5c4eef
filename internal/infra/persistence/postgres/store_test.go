package postgres

import "testing"

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Strategies() == nil || store.Ownerships() == nil || store.Conflicts() == nil {
		t.Fatalf("expected repositories even without a pool")
	}
}
