// Package storage persists isolation verdicts across restarts. The shared
// Redis state is authoritative while reachable; this registry is the durable
// local record that re-seeds the in-process store after a restart in local
// or degraded mode, and the audit trail of every jail and permanent ban.
package storage

import (
	"time"
)

// BanRecord holds metadata about one isolation verdict.
type BanRecord struct {
	Fingerprint string
	Reason      string
	RecordedAt  time.Time
	ExpiresAt   time.Time // zero = permanent
}

// Expired reports whether the record's isolation window has passed.
// Permanent records never expire.
func (r BanRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// Registry is the persistence interface for isolation verdicts.
type Registry interface {
	// RecordPermanent stores (or refreshes) a permanent ban.
	RecordPermanent(fingerprint, reason string) error

	// RecordJail stores (or refreshes) a temporary jail ending at expiresAt.
	RecordJail(fingerprint, reason string, expiresAt time.Time) error

	// Clear removes both the jail and permanent records for a fingerprint.
	Clear(fingerprint string) error

	// ListPermanent returns all permanent bans keyed by fingerprint.
	ListPermanent() (map[string]BanRecord, error)

	// ListJails returns all jail records keyed by fingerprint, including
	// expired ones not yet pruned.
	ListJails() (map[string]BanRecord, error)

	// PruneExpiredJails drops jail records whose window has passed.
	PruneExpiredJails() (int, error)

	// SizeBytes reports the on-disk size of the registry.
	SizeBytes() (int64, error)

	Close() error
}
