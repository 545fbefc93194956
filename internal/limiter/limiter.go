// Package limiter evaluates per-identity token-bucket admission against the
// shared state backend.
package limiter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/shield-proxy/internal/metrics"
	"github.com/developingchet/shield-proxy/internal/policy"
	"github.com/developingchet/shield-proxy/internal/state"
)

// Result is the outcome of one admission evaluation.
type Result struct {
	Allowed    bool
	Tokens     float64 // tokens remaining after the evaluation
	Capacity   float64 // bucket capacity the evaluation ran under
	RetryAfter int     // whole seconds until a token frees up; 0 when allowed
	FailedOpen bool    // true when the store failed and the request was admitted anyway
}

// LowTokens reports whether the bucket is running low (under a quarter of
// capacity). Used to surface early-warning telemetry before denials start.
func (r Result) LowTokens() bool {
	return r.Allowed && !r.FailedOpen && r.Tokens < r.Capacity/4
}

// Limiter binds the policy store to the state backend.
type Limiter struct {
	policies *policy.Store
	store    state.Store
	log      zerolog.Logger
	clock    func() time.Time
}

// New builds a Limiter. The store is typically a *state.Backend.
func New(policies *policy.Store, store state.Store, log zerolog.Logger) *Limiter {
	return &Limiter{
		policies: policies,
		store:    store,
		log:      log,
		clock:    time.Now,
	}
}

// SetClock replaces the time source. Test hook only.
func (l *Limiter) SetClock(clock func() time.Time) {
	l.clock = clock
}

// Evaluate runs one token-bucket step for the identity in the given traffic
// class. A store failure never blocks traffic: the request is admitted, the
// failure is counted, and FailedOpen is set so the caller can skip telemetry
// that assumes a real token count.
func (l *Limiter) Evaluate(ctx context.Context, identity string, class policy.TrafficClass) Result {
	pol := l.policies.Get(class)
	key := state.BucketKey(string(class), identity)

	d, err := l.store.EvalBucket(ctx, key, l.clock(), pol.Capacity, pol.RefillRate, pol.StateTTL)
	if err != nil {
		metrics.FailOpenTotal.Inc()
		l.log.Warn().Err(err).
			Str("identity", identity).
			Str("class", string(class)).
			Msg("admission decision failed, letting request through")
		return Result{Allowed: true, Tokens: pol.Capacity, Capacity: pol.Capacity, FailedOpen: true}
	}

	return Result{
		Allowed:    d.Allowed,
		Tokens:     d.Tokens,
		Capacity:   pol.Capacity,
		RetryAfter: d.RetryAfter,
	}
}
