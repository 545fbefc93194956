// Package escalate drives the isolation lifecycle: repeated rate-limit
// violations jail an identity, sustained abuse upgrades the jail to a
// permanent ban, and an administrator can clear either verdict.
package escalate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/shield-proxy/internal/metrics"
	"github.com/developingchet/shield-proxy/internal/policy"
	"github.com/developingchet/shield-proxy/internal/state"
	"github.com/developingchet/shield-proxy/internal/storage"
	"github.com/developingchet/shield-proxy/internal/telemetry"
)

// Verdict is the isolation gate's answer for one identity.
type Verdict struct {
	Isolated  bool
	Permanent bool
	Remaining time.Duration // time left in jail; 0 for permanent verdicts
}

// Machine evaluates and mutates an identity's isolation state. All shared
// state lives in the store; the registry is the durable local mirror and the
// sink gets one event per transition.
type Machine struct {
	policies *policy.Store
	store    state.Store
	registry storage.Registry // may be nil when durability is disabled
	sink     telemetry.Sink
	log      zerolog.Logger
	clock    func() time.Time
}

// New builds a Machine. registry may be nil.
func New(policies *policy.Store, store state.Store, registry storage.Registry, sink telemetry.Sink, log zerolog.Logger) *Machine {
	return &Machine{
		policies: policies,
		store:    store,
		registry: registry,
		sink:     sink,
		log:      log,
		clock:    time.Now,
	}
}

// SetClock replaces the time source. Test hook only.
func (m *Machine) SetClock(clock func() time.Time) {
	m.clock = clock
}

// Check reports whether the identity is currently isolated. Permanent bans
// take precedence over jails. A store error is returned so the caller can
// apply its fail-open policy.
func (m *Machine) Check(ctx context.Context, fingerprint string) (Verdict, error) {
	banned, _, err := m.store.FlagTTL(ctx, state.PermanentKey(fingerprint))
	if err != nil {
		return Verdict{}, err
	}
	if banned {
		return Verdict{Isolated: true, Permanent: true}, nil
	}

	jailed, remaining, err := m.store.FlagTTL(ctx, state.JailKey(fingerprint))
	if err != nil {
		return Verdict{}, err
	}
	if jailed {
		return Verdict{Isolated: true, Remaining: remaining}, nil
	}
	return Verdict{}, nil
}

// RecordDenial registers one rate-limit violation and applies any state
// transition it triggers. Reaching the jail threshold jails the identity for
// the configured duration (a fresh violation while jailed would refresh, not
// extend, the window); reaching the permanent threshold upgrades to a ban
// with no expiry.
func (m *Machine) RecordDenial(ctx context.Context, fingerprint string) {
	esc := m.policies.Escalation()

	count, err := m.store.IncrViolation(ctx, state.ViolationKey(fingerprint), esc.ViolationWindow)
	if err != nil {
		// The denial itself still stands; only the escalation bookkeeping
		// is lost for this request.
		m.log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("violation count failed")
		return
	}
	metrics.ViolationsTotal.Inc()

	switch {
	case count >= esc.PermanentThreshold:
		m.ban(ctx, fingerprint, "violation threshold exceeded")
	case count >= esc.JailThreshold:
		m.jail(ctx, fingerprint, "repeated rate-limit violations", esc.JailDuration, "threshold")
	}
}

// ManualJail jails an identity by administrative order.
func (m *Machine) ManualJail(ctx context.Context, fingerprint string) {
	m.jail(ctx, fingerprint, "administrative action", m.policies.Escalation().JailDuration, "manual")
}

// ManualBan permanently bans an identity by administrative order.
func (m *Machine) ManualBan(ctx context.Context, fingerprint string) {
	m.ban(ctx, fingerprint, "administrative action")
}

func (m *Machine) jail(ctx context.Context, fingerprint, reason string, duration time.Duration, trigger string) {
	if err := m.store.SetFlag(ctx, state.JailKey(fingerprint), duration); err != nil {
		m.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("jail flag write failed")
		return
	}
	metrics.JailsTotal.WithLabelValues(trigger).Inc()

	until := m.clock().Add(duration)
	if m.registry != nil {
		if err := m.registry.RecordJail(fingerprint, reason, until); err != nil {
			m.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("jail registry write failed")
		}
	}
	m.sink.Emit(telemetry.EventJailed, telemetry.JailedPayload{
		Fingerprint: fingerprint,
		Reason:      reason,
		BannedUntil: until,
	})
	m.log.Warn().Str("fingerprint", fingerprint).Str("reason", reason).
		Time("until", until).Msg("identity jailed")
}

func (m *Machine) ban(ctx context.Context, fingerprint, reason string) {
	if err := m.store.SetFlag(ctx, state.PermanentKey(fingerprint), 0); err != nil {
		m.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("ban flag write failed")
		return
	}
	metrics.PermanentBansTotal.Inc()

	if m.registry != nil {
		if err := m.registry.RecordPermanent(fingerprint, reason); err != nil {
			m.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("ban registry write failed")
		}
	}
	m.sink.Emit(telemetry.EventPermanentBan, telemetry.BannedPayload{
		Fingerprint: fingerprint,
		Reason:      reason,
	})
	m.log.Warn().Str("fingerprint", fingerprint).Str("reason", reason).Msg("identity permanently banned")
}

// ClearIsolation removes every trace of an identity's mitigation state:
// jail and ban flags, the violation counter, and both class buckets, so the
// identity restarts with full buckets and a clean slate.
func (m *Machine) ClearIsolation(ctx context.Context, fingerprint string) error {
	keys := []string{
		state.JailKey(fingerprint),
		state.PermanentKey(fingerprint),
		state.ViolationKey(fingerprint),
		state.BucketKey(string(policy.ClassStandard), fingerprint),
		state.BucketKey(string(policy.ClassAPI), fingerprint),
	}
	if err := m.store.Delete(ctx, keys...); err != nil {
		return err
	}

	if m.registry != nil {
		if err := m.registry.Clear(fingerprint); err != nil {
			m.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("registry clear failed")
		}
	}
	m.sink.Emit(telemetry.EventIsolationOver, telemetry.ClearedPayload{Fingerprint: fingerprint})
	m.log.Info().Str("fingerprint", fingerprint).Msg("isolation cleared")
	return nil
}

// Seed replays the registry's durable verdicts into a local store. Called on
// startup so a restart in local mode does not forget standing bans. Expired
// jails are skipped.
func (m *Machine) Seed(ctx context.Context, local *state.MemoryStore) error {
	if m.registry == nil {
		return nil
	}
	now := m.clock()

	bans, err := m.registry.ListPermanent()
	if err != nil {
		return err
	}
	for fp := range bans {
		if err := local.SetFlag(ctx, state.PermanentKey(fp), 0); err != nil {
			return err
		}
	}

	jails, err := m.registry.ListJails()
	if err != nil {
		return err
	}
	seeded := 0
	for fp, rec := range jails {
		if rec.Expired(now) {
			continue
		}
		if err := local.SetFlag(ctx, state.JailKey(fp), rec.ExpiresAt.Sub(now)); err != nil {
			return err
		}
		seeded++
	}

	m.log.Info().Int("permanent", len(bans)).Int("jailed", seeded).
		Msg("isolation state seeded from registry")
	return nil
}
