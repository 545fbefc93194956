package state

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// flakyStore wraps a MemoryStore and fails every call while failing is set.
type flakyStore struct {
	*MemoryStore
	failing atomic.Bool
}

var errStoreDown = errors.New("connection refused")

func (f *flakyStore) EvalBucket(ctx context.Context, key string, now time.Time, capacity, refillRate float64, ttl time.Duration) (Decision, error) {
	if f.failing.Load() {
		return Decision{}, errStoreDown
	}
	return f.MemoryStore.EvalBucket(ctx, key, now, capacity, refillRate, ttl)
}

func (f *flakyStore) IncrViolation(ctx context.Context, key string, window time.Duration) (int, error) {
	if f.failing.Load() {
		return 0, errStoreDown
	}
	return f.MemoryStore.IncrViolation(ctx, key, window)
}

func (f *flakyStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	if f.failing.Load() {
		return errStoreDown
	}
	return f.MemoryStore.SetFlag(ctx, key, ttl)
}

func (f *flakyStore) FlagTTL(ctx context.Context, key string) (bool, time.Duration, error) {
	if f.failing.Load() {
		return false, 0, errStoreDown
	}
	return f.MemoryStore.FlagTTL(ctx, key)
}

func (f *flakyStore) Delete(ctx context.Context, keys ...string) error {
	if f.failing.Load() {
		return errStoreDown
	}
	return f.MemoryStore.Delete(ctx, keys...)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.failing.Load() {
		return errStoreDown
	}
	return nil
}

func newTestBackend(remote Store) *Backend {
	return NewBackend(remote, NewMemoryStore(), time.Second, zerolog.Nop())
}

func TestBackendDegradesOnCommandFailure(t *testing.T) {
	remote := &flakyStore{MemoryStore: NewMemoryStore()}
	b := newTestBackend(remote)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	key := BucketKey("API", "fp-degrade")

	if !b.Distributed() {
		t.Fatal("backend should start distributed")
	}

	remote.failing.Store(true)

	// The failing call surfaces its error so the caller can fail open.
	if _, err := b.EvalBucket(ctx, key, now, 5, 1, 600*time.Second); err == nil {
		t.Fatal("expected error from failing remote")
	}
	if b.Distributed() {
		t.Fatal("backend should degrade after remote failure")
	}
	if got := b.Mode(); got != ModeDegraded {
		t.Errorf("mode %q, want %q", got, ModeDegraded)
	}

	// Subsequent calls run against local state without error.
	d, err := b.EvalBucket(ctx, key, now, 5, 1, 600*time.Second)
	if err != nil {
		t.Fatalf("degraded eval: %v", err)
	}
	if !d.Allowed {
		t.Error("fresh local bucket should admit the request")
	}
}

func TestBackendProbeRecovers(t *testing.T) {
	remote := &flakyStore{MemoryStore: NewMemoryStore()}
	b := newTestBackend(remote)
	ctx := context.Background()

	remote.failing.Store(true)
	b.probe(ctx)
	if b.Distributed() {
		t.Fatal("probe against a dead remote should degrade")
	}

	// Remote stays dead: still degraded, no flapping.
	b.probe(ctx)
	if b.Mode() != ModeDegraded {
		t.Fatalf("mode %q after repeated failed probes", b.Mode())
	}

	remote.failing.Store(false)
	b.probe(ctx)
	if !b.Distributed() {
		t.Fatal("probe should re-promote once the remote answers")
	}
	if got := b.Mode(); got != ModeDistributed {
		t.Errorf("mode %q, want %q", got, ModeDistributed)
	}
}

func TestBackendLocalOnlyMode(t *testing.T) {
	b := newTestBackend(nil)
	ctx := context.Background()

	if b.Distributed() {
		t.Error("nil remote must not report distributed")
	}
	if got := b.Mode(); got != ModeLocal {
		t.Errorf("mode %q, want %q", got, ModeLocal)
	}

	d, err := b.EvalBucket(ctx, BucketKey("Standard", "fp-local"), time.Unix(1700000000, 0), 5, 1, 600*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("local-only eval should succeed")
	}
	if err := b.Ping(ctx); err != nil {
		t.Errorf("local ping: %v", err)
	}
}

func TestBackendDeleteClearsBothStores(t *testing.T) {
	remote := &flakyStore{MemoryStore: NewMemoryStore()}
	b := newTestBackend(remote)
	ctx := context.Background()
	key := PermanentKey("fp-both")

	// Flag present in both stores, as happens across a degraded window.
	if err := remote.SetFlag(ctx, key, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Local().SetFlag(ctx, key, 0); err != nil {
		t.Fatal(err)
	}

	if err := b.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}

	if exists, _, _ := remote.FlagTTL(ctx, key); exists {
		t.Error("delete should clear the remote store")
	}
	if exists, _, _ := b.Local().FlagTTL(ctx, key); exists {
		t.Error("delete should clear the local store")
	}
}
