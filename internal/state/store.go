// Package state abstracts the shared mitigation state: token buckets,
// violation counters, jail flags, and permanent-ban flags. Two
// implementations share the contract — a Redis store for cross-instance
// consistency and an in-process store used standalone or as a degraded
// fallback.
package state

import (
	"context"
	"fmt"
	"time"
)

// Decision is the outcome of one atomic token-bucket evaluation.
type Decision struct {
	Allowed    bool
	Tokens     float64 // tokens remaining after the evaluation, in [0, capacity]
	RetryAfter int     // whole seconds until a token is available; 0 when allowed
}

// Store is the shared-state contract. Every mutation is atomic with respect
// to concurrent calls for the same key: EvalBucket performs the full
// load-refill-spend-persist cycle as one indivisible unit, and
// IncrViolation increments and refreshes the sliding expiry in one step.
// No caller may emulate these with separate get/set calls.
type Store interface {
	// EvalBucket runs one token-bucket admission step for key. A missing
	// bucket initialises full at capacity. The persisted state's TTL is
	// refreshed on every call.
	EvalBucket(ctx context.Context, key string, now time.Time, capacity, refillRate float64, ttl time.Duration) (Decision, error)

	// IncrViolation atomically increments the counter at key and resets its
	// expiry to window from now (sliding, not fixed from first offense).
	IncrViolation(ctx context.Context, key string, window time.Duration) (int, error)

	// SetFlag sets a marker key. ttl == 0 means no expiry.
	SetFlag(ctx context.Context, key string, ttl time.Duration) error

	// FlagTTL reports whether key exists and, if it does, the remaining
	// time until expiry (0 for flags without expiry).
	FlagTTL(ctx context.Context, key string) (exists bool, remaining time.Duration, err error)

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// Key shapes shared by both stores. These match the dashboard's expectations,
// so changing them is a wire-format break.

// BucketKey keys the token bucket for an identity within a traffic class.
func BucketKey(class, identity string) string {
	return fmt.Sprintf("bucket:%s:%s", class, identity)
}

// JailKey keys the temporary jail flag for an identity.
func JailKey(identity string) string {
	return "jail:" + identity
}

// PermanentKey keys the permanent-ban flag for an identity.
func PermanentKey(identity string) string {
	return "permanent:" + identity
}

// ViolationKey keys the decaying violation counter for an identity.
func ViolationKey(identity string) string {
	return "violations:" + identity
}
