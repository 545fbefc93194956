// Package policy holds the mutable runtime rate-limit and escalation policy.
// Reads happen on every request and are lock-free; writes go through the
// administrative config endpoint only.
package policy

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developingchet/shield-proxy/internal/config"
)

// TrafficClass partitions requests into independently limited buckets.
type TrafficClass string

const (
	ClassStandard TrafficClass = "Standard"
	ClassAPI      TrafficClass = "API"
)

// Policy is the admission policy for one traffic class.
type Policy struct {
	Capacity   float64       // bucket size (burst)
	RefillRate float64       // tokens per second
	StateTTL   time.Duration // bucket state expiry after inactivity
}

// Escalation holds the violation → jail → permanent-ban constants.
type Escalation struct {
	JailThreshold      int
	PermanentThreshold int
	JailDuration       time.Duration
	ViolationWindow    time.Duration // sliding expiry, refreshed per violation
}

// snapshot is the immutable unit of publication. Readers load one pointer.
type snapshot struct {
	standard   Policy
	api        Policy
	escalation Escalation
	apiPrefix  string
}

// Store publishes the current policy set. Get/Escalation/Classify are
// wait-free; Apply serialises writers and swaps the snapshot atomically.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewStore builds a Store seeded from config defaults.
func NewStore(cfg *config.Config) *Store {
	s := &Store{}
	s.current.Store(&snapshot{
		standard: Policy{
			Capacity:   cfg.StandardCapacity,
			RefillRate: cfg.StandardRefillRate,
			StateTTL:   cfg.StandardStateTTL,
		},
		api: Policy{
			Capacity:   cfg.APICapacity,
			RefillRate: cfg.APIRefillRate,
			StateTTL:   cfg.APIStateTTL,
		},
		escalation: Escalation{
			JailThreshold:      cfg.JailThreshold,
			PermanentThreshold: cfg.PermanentThreshold,
			JailDuration:       cfg.JailDuration,
			ViolationWindow:    cfg.ViolationWindow,
		},
		apiPrefix: cfg.APIPathPrefix,
	})
	return s
}

// Get returns the policy for a traffic class.
func (s *Store) Get(class TrafficClass) Policy {
	snap := s.current.Load()
	if class == ClassAPI {
		return snap.api
	}
	return snap.standard
}

// Escalation returns the current escalation constants.
func (s *Store) Escalation() Escalation {
	return s.current.Load().escalation
}

// Classify maps a request path to its traffic class.
func (s *Store) Classify(path string) TrafficClass {
	if strings.HasPrefix(path, s.current.Load().apiPrefix) {
		return ClassAPI
	}
	return ClassStandard
}

// PolicyUpdate is a partial per-class policy document. Nil fields are left
// unchanged; non-positive values are ignored rather than applied.
type PolicyUpdate struct {
	Capacity        *float64 `json:"capacity,omitempty"`
	RefillRate      *float64 `json:"refill_rate,omitempty"`
	StateTTLSeconds *int     `json:"state_ttl_seconds,omitempty"`
}

// EscalationUpdate is a partial escalation document.
type EscalationUpdate struct {
	JailThreshold          *int `json:"jail_threshold,omitempty"`
	PermanentThreshold     *int `json:"permanent_threshold,omitempty"`
	JailDurationSeconds    *int `json:"jail_duration_seconds,omitempty"`
	ViolationWindowSeconds *int `json:"violation_window_seconds,omitempty"`
}

// Update is the administrative partial-update document.
type Update struct {
	Standard   *PolicyUpdate     `json:"standard,omitempty"`
	API        *PolicyUpdate     `json:"api,omitempty"`
	Escalation *EscalationUpdate `json:"escalation,omitempty"`
}

// Validate reports fields that are present but non-positive. Apply skips
// such fields; the admin endpoint rejects the whole document instead, so a
// typo does not look like a successful update.
func (u Update) Validate() error {
	var bad []string

	checkPolicy := func(section string, p *PolicyUpdate) {
		if p == nil {
			return
		}
		if p.Capacity != nil && *p.Capacity <= 0 {
			bad = append(bad, section+".capacity")
		}
		if p.RefillRate != nil && *p.RefillRate <= 0 {
			bad = append(bad, section+".refill_rate")
		}
		if p.StateTTLSeconds != nil && *p.StateTTLSeconds <= 0 {
			bad = append(bad, section+".state_ttl_seconds")
		}
	}
	checkPolicy("standard", u.Standard)
	checkPolicy("api", u.API)

	if e := u.Escalation; e != nil {
		if e.JailThreshold != nil && *e.JailThreshold <= 0 {
			bad = append(bad, "escalation.jail_threshold")
		}
		if e.PermanentThreshold != nil && *e.PermanentThreshold <= 0 {
			bad = append(bad, "escalation.permanent_threshold")
		}
		if e.JailDurationSeconds != nil && *e.JailDurationSeconds <= 0 {
			bad = append(bad, "escalation.jail_duration_seconds")
		}
		if e.ViolationWindowSeconds != nil && *e.ViolationWindowSeconds <= 0 {
			bad = append(bad, "escalation.violation_window_seconds")
		}
	}

	if len(bad) > 0 {
		return fmt.Errorf("non-positive value for %s", strings.Join(bad, ", "))
	}
	return nil
}

// Apply merges valid fields of u into the current policy set and publishes
// the result. Invalid fields (zero, negative, or threshold-order violating)
// are skipped silently; a document that changes nothing is a no-op, not an
// error. Returns true if anything changed.
func (s *Store) Apply(u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	changed := false

	changed = applyPolicy(&next.standard, u.Standard) || changed
	changed = applyPolicy(&next.api, u.API) || changed
	changed = applyEscalation(&next.escalation, u.Escalation) || changed

	if changed {
		s.current.Store(&next)
	}
	return changed
}

func applyPolicy(p *Policy, u *PolicyUpdate) bool {
	if u == nil {
		return false
	}
	changed := false
	if u.Capacity != nil && *u.Capacity > 0 && *u.Capacity != p.Capacity {
		p.Capacity = *u.Capacity
		changed = true
	}
	if u.RefillRate != nil && *u.RefillRate > 0 && *u.RefillRate != p.RefillRate {
		p.RefillRate = *u.RefillRate
		changed = true
	}
	if u.StateTTLSeconds != nil && *u.StateTTLSeconds > 0 {
		ttl := time.Duration(*u.StateTTLSeconds) * time.Second
		if ttl != p.StateTTL {
			p.StateTTL = ttl
			changed = true
		}
	}
	return changed
}

func applyEscalation(e *Escalation, u *EscalationUpdate) bool {
	if u == nil {
		return false
	}
	changed := false

	// Thresholds are applied together so the jail < permanent ordering
	// can be checked against the merged values.
	jail := e.JailThreshold
	perm := e.PermanentThreshold
	if u.JailThreshold != nil && *u.JailThreshold > 0 {
		jail = *u.JailThreshold
	}
	if u.PermanentThreshold != nil && *u.PermanentThreshold > 0 {
		perm = *u.PermanentThreshold
	}
	if perm > jail && (jail != e.JailThreshold || perm != e.PermanentThreshold) {
		e.JailThreshold = jail
		e.PermanentThreshold = perm
		changed = true
	}

	if u.JailDurationSeconds != nil && *u.JailDurationSeconds > 0 {
		d := time.Duration(*u.JailDurationSeconds) * time.Second
		if d != e.JailDuration {
			e.JailDuration = d
			changed = true
		}
	}
	if u.ViolationWindowSeconds != nil && *u.ViolationWindowSeconds > 0 {
		w := time.Duration(*u.ViolationWindowSeconds) * time.Second
		if w != e.ViolationWindow {
			e.ViolationWindow = w
			changed = true
		}
	}
	return changed
}

// PolicyDoc is the JSON view of one class policy.
type PolicyDoc struct {
	Capacity        float64 `json:"capacity"`
	RefillRate      float64 `json:"refill_rate"`
	StateTTLSeconds int     `json:"state_ttl_seconds"`
}

// EscalationDoc is the JSON view of the escalation constants.
type EscalationDoc struct {
	JailThreshold          int `json:"jail_threshold"`
	PermanentThreshold     int `json:"permanent_threshold"`
	JailDurationSeconds    int `json:"jail_duration_seconds"`
	ViolationWindowSeconds int `json:"violation_window_seconds"`
}

// Document is the full JSON view served by the admin config endpoint.
type Document struct {
	Standard   PolicyDoc     `json:"standard"`
	API        PolicyDoc     `json:"api"`
	Escalation EscalationDoc `json:"escalation"`
}

// Snapshot returns the current policy set as a serialisable document.
func (s *Store) Snapshot() Document {
	snap := s.current.Load()
	return Document{
		Standard:   toDoc(snap.standard),
		API:        toDoc(snap.api),
		Escalation: EscalationDoc{
			JailThreshold:          snap.escalation.JailThreshold,
			PermanentThreshold:     snap.escalation.PermanentThreshold,
			JailDurationSeconds:    int(snap.escalation.JailDuration / time.Second),
			ViolationWindowSeconds: int(snap.escalation.ViolationWindow / time.Second),
		},
	}
}

func toDoc(p Policy) PolicyDoc {
	return PolicyDoc{
		Capacity:        p.Capacity,
		RefillRate:      p.RefillRate,
		StateTTLSeconds: int(p.StateTTL / time.Second),
	}
}
