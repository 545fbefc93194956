package state

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/developingchet/shield-proxy/internal/metrics"
	"github.com/rs/zerolog"
)

// Backend mode strings, reported by the health endpoint.
const (
	ModeDistributed = "distributed"
	ModeDegraded    = "degraded"
	ModeLocal       = "local"
)

// Backend is the dual-mode Store. While the remote Redis store is healthy
// every operation goes there; the first command failure flips the backend
// into degraded mode and subsequent operations run against the local
// in-process store until a background probe sees Redis answer again.
// The failing command itself still returns its error so the caller can
// apply its own fail-open policy for that one request.
type Backend struct {
	remote        Store // nil when Redis is disabled by config
	local         *MemoryStore
	probeInterval time.Duration
	log           zerolog.Logger
	degraded      atomic.Bool
}

// NewBackend builds a Backend. remote may be nil to run local-only.
func NewBackend(remote Store, local *MemoryStore, probeInterval time.Duration, log zerolog.Logger) *Backend {
	b := &Backend{
		remote:        remote,
		local:         local,
		probeInterval: probeInterval,
		log:           log,
	}
	if remote != nil {
		metrics.BackendDistributed.Set(1)
	} else {
		metrics.BackendDistributed.Set(0)
	}
	return b
}

// Local exposes the in-process store for janitor sweeps and startup seeding.
func (b *Backend) Local() *MemoryStore {
	return b.local
}

// Distributed reports whether operations are currently served by Redis.
func (b *Backend) Distributed() bool {
	return b.remote != nil && !b.degraded.Load()
}

// Mode returns the operational mode for health reporting.
func (b *Backend) Mode() string {
	switch {
	case b.remote == nil:
		return ModeLocal
	case b.degraded.Load():
		return ModeDegraded
	default:
		return ModeDistributed
	}
}

func (b *Backend) active() Store {
	if b.Distributed() {
		return b.remote
	}
	return b.local
}

// noteFailure records a remote command failure and degrades to local mode.
func (b *Backend) noteFailure(op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	if b.degraded.CompareAndSwap(false, true) {
		metrics.BackendDistributed.Set(0)
		b.log.Warn().Err(err).Str("op", op).
			Msg("shared backend degraded: enforcement continues on local state only")
	}
}

func (b *Backend) EvalBucket(ctx context.Context, key string, now time.Time, capacity, refillRate float64, ttl time.Duration) (Decision, error) {
	st := b.active()
	d, err := st.EvalBucket(ctx, key, now, capacity, refillRate, ttl)
	if err != nil && st == b.remote {
		b.noteFailure("eval_bucket", err)
	}
	return d, err
}

func (b *Backend) IncrViolation(ctx context.Context, key string, window time.Duration) (int, error) {
	st := b.active()
	n, err := st.IncrViolation(ctx, key, window)
	if err != nil && st == b.remote {
		b.noteFailure("incr_violation", err)
	}
	return n, err
}

func (b *Backend) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	st := b.active()
	err := st.SetFlag(ctx, key, ttl)
	if err != nil && st == b.remote {
		b.noteFailure("set_flag", err)
	}
	return err
}

func (b *Backend) FlagTTL(ctx context.Context, key string) (bool, time.Duration, error) {
	st := b.active()
	exists, remaining, err := st.FlagTTL(ctx, key)
	if err != nil && st == b.remote {
		b.noteFailure("flag_ttl", err)
	}
	return exists, remaining, err
}

// Delete removes keys from both stores. Administrative clears must not leave
// residue in the local store that would resurface during a later degraded
// window.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	_ = b.local.Delete(ctx, keys...)
	if b.remote == nil {
		return nil
	}
	if err := b.remote.Delete(ctx, keys...); err != nil {
		b.noteFailure("delete", err)
		return err
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.active().Ping(ctx)
}

// Run probes the remote store on a fixed interval, degrading and
// re-promoting the backend as connectivity changes. Returns when ctx is
// cancelled. No-op when Redis is disabled.
func (b *Backend) Run(ctx context.Context) error {
	if b.remote == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(b.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.probe(ctx)
		}
	}
}

func (b *Backend) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := b.remote.Ping(probeCtx); err != nil {
		if b.degraded.CompareAndSwap(false, true) {
			metrics.BackendDistributed.Set(0)
			b.log.Warn().Err(err).Msg("shared backend unreachable: degrading to local state")
		}
		return
	}

	if b.degraded.CompareAndSwap(true, false) {
		metrics.BackendDistributed.Set(1)
		b.log.Info().Msg("shared backend recovered: resuming distributed enforcement")
	}
}
