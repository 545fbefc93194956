package state

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// shardCount trades memory for contention: exclusive access per key is
// required for correctness, but unrelated identities should not serialise
// behind one lock.
const shardCount = 128

// MemoryStore implements Store in-process. It provides the same atomicity
// guarantees as the Redis store scoped to a single proxy instance: each
// key's full read-modify-write happens under its shard's lock.
type MemoryStore struct {
	shards [shardCount]memShard
	clock  func() time.Time // overridable in tests
}

type memShard struct {
	mu       sync.Mutex
	buckets  map[string]*bucketEntry
	counters map[string]*counterEntry
	flags    map[string]*flagEntry
}

type bucketEntry struct {
	tokens    float64
	last      time.Time
	expiresAt time.Time
}

type counterEntry struct {
	count     int
	expiresAt time.Time
}

type flagEntry struct {
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{clock: time.Now}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*bucketEntry)
		s.shards[i].counters = make(map[string]*counterEntry)
		s.shards[i].flags = make(map[string]*flagEntry)
	}
	return s
}

// SetClock replaces the store's time source. Test hook only.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *MemoryStore) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func (s *MemoryStore) EvalBucket(_ context.Context, key string, now time.Time, capacity, refillRate float64, ttl time.Duration) (Decision, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b := sh.buckets[key]
	if b == nil || expired(b.expiresAt, now) {
		b = &bucketEntry{tokens: capacity, last: now}
		sh.buckets[key] = b
	}

	elapsed := now.Sub(b.last)
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = math.Min(capacity, b.tokens+elapsed.Seconds()*refillRate)
	b.last = now
	b.expiresAt = now.Add(ttl)

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return Decision{Allowed: true, Tokens: b.tokens}, nil
	}

	retryAfter := int(math.Ceil((1.0 - b.tokens) / refillRate))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, Tokens: b.tokens, RetryAfter: retryAfter}, nil
}

func (s *MemoryStore) IncrViolation(_ context.Context, key string, window time.Duration) (int, error) {
	now := s.clock()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c := sh.counters[key]
	if c == nil || expired(c.expiresAt, now) {
		c = &counterEntry{}
		sh.counters[key] = c
	}
	c.count++
	c.expiresAt = now.Add(window)
	return c.count, nil
}

func (s *MemoryStore) SetFlag(_ context.Context, key string, ttl time.Duration) error {
	now := s.clock()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	f := &flagEntry{}
	if ttl > 0 {
		f.expiresAt = now.Add(ttl)
	}
	sh.flags[key] = f
	return nil
}

func (s *MemoryStore) FlagTTL(_ context.Context, key string) (bool, time.Duration, error) {
	now := s.clock()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	f := sh.flags[key]
	if f == nil {
		return false, 0, nil
	}
	if expired(f.expiresAt, now) {
		delete(sh.flags, key)
		return false, 0, nil
	}
	if f.expiresAt.IsZero() {
		return true, 0, nil
	}
	return true, f.expiresAt.Sub(now), nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		sh := s.shard(key)
		sh.mu.Lock()
		delete(sh.buckets, key)
		delete(sh.counters, key)
		delete(sh.flags, key)
		sh.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// PruneExpired sweeps all shards and drops entries past their expiry.
// Expiry is otherwise lazy (checked on access), so this only bounds memory
// held by identities that went quiet. Called by the janitor.
func (s *MemoryStore) PruneExpired() int {
	now := s.clock()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if expired(b.expiresAt, now) {
				delete(sh.buckets, k)
				removed++
			}
		}
		for k, c := range sh.counters {
			if expired(c.expiresAt, now) {
				delete(sh.counters, k)
				removed++
			}
		}
		for k, f := range sh.flags {
			if expired(f.expiresAt, now) {
				delete(sh.flags, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
