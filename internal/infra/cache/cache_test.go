package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("expected hit, got %q %v %v", got, ok, err)
	}
	got[0] = 'x'
	again, _, _ := store.Get(ctx, "k")
	if string(again) != "v" {
		t.Fatal("cached value must not alias caller buffers")
	}

	now = now.Add(time.Second)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("expected expiry at ttl boundary")
	}
}

func TestMemoryStoreNoExpiry(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()
	_ = store.Set(ctx, "k", []byte("v"), 0)
	now = now.Add(24 * time.Hour)
	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatal("zero ttl must not expire")
	}
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	_ = store.Set(ctx, "reg:name:a", []byte("1"), 0)
	_ = store.Set(ctx, "reg:name:b", []byte("2"), 0)
	_ = store.Set(ctx, "reg:active", []byte("3"), 0)
	if err := store.Delete(ctx, "reg:name:*"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "reg:name:a"); ok {
		t.Fatal("prefix delete missed a key")
	}
	if _, ok, _ := store.Get(ctx, "reg:active"); !ok {
		t.Fatal("prefix delete removed an unrelated key")
	}
}

func TestRedisStoreSurfacesDialErrors(t *testing.T) {
	store := NewRedisStore(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = store.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatal("expected connection error")
	}
}
