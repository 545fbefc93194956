package policy

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/shield-proxy/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		APIPathPrefix:      "/api/",
		StandardCapacity:   20,
		StandardRefillRate: 5,
		StandardStateTTL:   600 * time.Second,
		APICapacity:        5,
		APIRefillRate:      1,
		APIStateTTL:        600 * time.Second,
		JailThreshold:      5,
		PermanentThreshold: 15,
		JailDuration:       time.Hour,
		ViolationWindow:    300 * time.Second,
	}
}

func f64(v float64) *float64 { return &v }
func i(v int) *int           { return &v }

func TestClassify(t *testing.T) {
	s := NewStore(testConfig())
	if got := s.Classify("/api/users"); got != ClassAPI {
		t.Errorf("Classify(/api/users) = %s, want API", got)
	}
	if got := s.Classify("/index.html"); got != ClassStandard {
		t.Errorf("Classify(/index.html) = %s, want Standard", got)
	}
	if got := s.Classify("/apifake"); got != ClassStandard {
		t.Errorf("Classify(/apifake) = %s, want Standard (prefix must match exactly)", got)
	}
}

func TestGetPerClass(t *testing.T) {
	s := NewStore(testConfig())
	if p := s.Get(ClassAPI); p.Capacity != 5 || p.RefillRate != 1 {
		t.Errorf("API policy: got %+v", p)
	}
	if p := s.Get(ClassStandard); p.Capacity != 20 || p.RefillRate != 5 {
		t.Errorf("Standard policy: got %+v", p)
	}
}

func TestApplyPartialUpdate(t *testing.T) {
	s := NewStore(testConfig())

	changed := s.Apply(Update{API: &PolicyUpdate{Capacity: f64(10)}})
	if !changed {
		t.Fatal("expected change to be applied")
	}
	p := s.Get(ClassAPI)
	if p.Capacity != 10 {
		t.Errorf("API capacity: got %v, want 10", p.Capacity)
	}
	// Untouched fields survive
	if p.RefillRate != 1 {
		t.Errorf("API refill rate changed unexpectedly: %v", p.RefillRate)
	}
	if s.Get(ClassStandard).Capacity != 20 {
		t.Error("Standard class affected by API update")
	}
}

func TestApplyIgnoresNonPositive(t *testing.T) {
	s := NewStore(testConfig())

	changed := s.Apply(Update{
		Standard: &PolicyUpdate{Capacity: f64(0), RefillRate: f64(-3)},
	})
	if changed {
		t.Error("non-positive values must not count as a change")
	}
	p := s.Get(ClassStandard)
	if p.Capacity != 20 || p.RefillRate != 5 {
		t.Errorf("policy mutated by invalid update: %+v", p)
	}
}

func TestValidateFlagsNonPositiveFields(t *testing.T) {
	bad := Update{
		Standard:   &PolicyUpdate{Capacity: f64(-3)},
		Escalation: &EscalationUpdate{JailDurationSeconds: i(0)},
	}
	err := bad.Validate()
	if err == nil {
		t.Fatal("non-positive fields must fail validation")
	}
	for _, field := range []string{"standard.capacity", "escalation.jail_duration_seconds"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name %s", err, field)
		}
	}

	good := Update{API: &PolicyUpdate{Capacity: f64(10)}}
	if err := good.Validate(); err != nil {
		t.Errorf("positive update rejected: %v", err)
	}
	if err := (Update{}).Validate(); err != nil {
		t.Errorf("empty update rejected: %v", err)
	}
}

func TestApplyEmptyUpdateIsNoop(t *testing.T) {
	s := NewStore(testConfig())
	if s.Apply(Update{}) {
		t.Error("empty update must be a silent no-op")
	}
}

func TestApplyEscalation(t *testing.T) {
	s := NewStore(testConfig())

	changed := s.Apply(Update{Escalation: &EscalationUpdate{
		JailThreshold:       i(3),
		JailDurationSeconds: i(120),
	}})
	if !changed {
		t.Fatal("expected escalation change")
	}
	e := s.Escalation()
	if e.JailThreshold != 3 {
		t.Errorf("JailThreshold: got %d", e.JailThreshold)
	}
	if e.JailDuration != 2*time.Minute {
		t.Errorf("JailDuration: got %s", e.JailDuration)
	}
	if e.PermanentThreshold != 15 {
		t.Errorf("PermanentThreshold changed unexpectedly: %d", e.PermanentThreshold)
	}
}

func TestApplyEscalationRejectsInvertedThresholds(t *testing.T) {
	s := NewStore(testConfig())

	// Would make jail >= permanent; both must be skipped.
	s.Apply(Update{Escalation: &EscalationUpdate{JailThreshold: i(20)}})
	e := s.Escalation()
	if e.JailThreshold != 5 || e.PermanentThreshold != 15 {
		t.Errorf("inverted thresholds applied: %+v", e)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewStore(testConfig())
	doc := s.Snapshot()
	if doc.Standard.Capacity != 20 || doc.API.RefillRate != 1 {
		t.Errorf("snapshot mismatch: %+v", doc)
	}
	if doc.Escalation.JailDurationSeconds != 3600 {
		t.Errorf("jail duration seconds: got %d", doc.Escalation.JailDurationSeconds)
	}
}

func TestConcurrentReadsDuringUpdates(t *testing.T) {
	s := NewStore(testConfig())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p := s.Get(ClassAPI)
				if p.Capacity <= 0 || p.RefillRate <= 0 {
					t.Error("reader observed invalid policy")
					return
				}
			}
		}()
	}

	for n := 1; n <= 100; n++ {
		s.Apply(Update{API: &PolicyUpdate{Capacity: f64(float64(n))}})
	}
	close(stop)
	wg.Wait()
}
