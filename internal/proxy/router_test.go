package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/shield-proxy/internal/config"
	"github.com/developingchet/shield-proxy/internal/escalate"
	"github.com/developingchet/shield-proxy/internal/fingerprint"
	"github.com/developingchet/shield-proxy/internal/limiter"
	"github.com/developingchet/shield-proxy/internal/policy"
	"github.com/developingchet/shield-proxy/internal/state"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Emit(event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type routerFixture struct {
	router *Router
	sink   *recordingSink
	cfg    *config.Config
}

func newRouterFixture(t *testing.T, upstreamURL string) *routerFixture {
	t.Helper()

	cfg := &config.Config{
		UpstreamURL:        upstreamURL,
		UpstreamTimeout:    5 * time.Second,
		APIPathPrefix:      "/api/",
		BypassPrefixes:     []string{"/sentinel/", "/healthz", "/socket.io/"},
		AdminPathPrefix:    "/sentinel/",
		AdminSecret:        "test-secret",
		StandardCapacity:   5,
		StandardRefillRate: 1,
		StandardStateTTL:   600 * time.Second,
		APICapacity:        2,
		APIRefillRate:      1,
		APIStateTTL:        600 * time.Second,
		JailThreshold:      3,
		PermanentThreshold: 6,
		JailDuration:       time.Hour,
		ViolationWindow:    300 * time.Second,
	}

	policies := policy.NewStore(cfg)
	mem := state.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	mem.SetClock(clock)

	backend := state.NewBackend(nil, mem, time.Second, zerolog.Nop())
	lim := limiter.New(policies, backend, zerolog.Nop())
	lim.SetClock(clock)

	sink := &recordingSink{}
	machine := escalate.New(policies, backend, nil, sink, zerolog.Nop())
	machine.SetClock(clock)

	router, err := NewRouter(cfg, policies, lim, machine, backend, sink, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return &routerFixture{router: router, sink: sink, cfg: cfg}
}

// request performs one request from a fixed client identity.
func (f *routerFixture) request(method, path, ip string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	r.Header.Set("X-Forwarded-For", ip)
	r.Header.Set("User-Agent", "test-agent")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestForwardsToUpstream(t *testing.T) {
	var sawXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "upstream says hi")
	}))
	defer upstream.Close()

	f := newRouterFixture(t, upstream.URL)
	w := f.request(http.MethodGet, "/some/page", "9.9.9.9")

	if w.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201", w.Code)
	}
	if got := w.Body.String(); got != "upstream says hi" {
		t.Errorf("body %q", got)
	}
	if !strings.Contains(sawXFF, "9.9.9.9") {
		t.Errorf("upstream X-Forwarded-For %q, want client IP preserved", sawXFF)
	}
}

func TestUpstreamErrorsPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "application exploded", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := newRouterFixture(t, upstream.URL)
	w := f.request(http.MethodGet, "/boom", "9.9.9.9")

	// Application-level errors are opaque pass-through, not gateway errors.
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "Gateway Error") {
		t.Error("application error replaced by gateway error body")
	}
}

func TestUnreachableUpstreamIs502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // connection refused from here on

	f := newRouterFixture(t, upstream.URL)
	w := f.request(http.MethodGet, "/page", "9.9.9.9")

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", w.Code)
	}
	if got := w.Body.String(); got != gatewayErrorBody {
		t.Errorf("body %q, want %q", got, gatewayErrorBody)
	}
}

func TestRateLimitResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newRouterFixture(t, upstream.URL)

	// Standard capacity is 5 with a frozen clock: five through, sixth denied.
	for i := 0; i < 5; i++ {
		if w := f.request(http.MethodGet, "/page", "5.5.5.5"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}

	w := f.request(http.MethodGet, "/page", "5.5.5.5")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After %q, want 1", got)
	}
	if got := w.Body.String(); got != "Rate Limit Exceeded. Retry in 1s." {
		t.Errorf("body %q", got)
	}

	// Another client is unaffected.
	if w := f.request(http.MethodGet, "/page", "6.6.6.6"); w.Code != http.StatusOK {
		t.Errorf("other identity: status %d, want 200", w.Code)
	}
}

func TestAPIClassHasOwnBudget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newRouterFixture(t, upstream.URL)

	// API capacity is 2; the standard bucket stays untouched.
	for i := 0; i < 2; i++ {
		if w := f.request(http.MethodGet, "/api/search", "7.7.7.7"); w.Code != http.StatusOK {
			t.Fatalf("api request %d: status %d", i, w.Code)
		}
	}
	if w := f.request(http.MethodGet, "/api/search", "7.7.7.7"); w.Code != http.StatusTooManyRequests {
		t.Errorf("api over budget: status %d, want 429", w.Code)
	}
	if w := f.request(http.MethodGet, "/page", "7.7.7.7"); w.Code != http.StatusOK {
		t.Errorf("standard class: status %d, want 200", w.Code)
	}
}

func TestEscalationTo403(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newRouterFixture(t, upstream.URL)

	// Drain the bucket, then collect three denials to cross the jail threshold.
	for i := 0; i < 5; i++ {
		f.request(http.MethodGet, "/page", "8.8.8.8")
	}
	for i := 0; i < 3; i++ {
		if w := f.request(http.MethodGet, "/page", "8.8.8.8"); w.Code != http.StatusTooManyRequests {
			t.Fatalf("denial %d: status %d, want 429", i, w.Code)
		}
	}

	w := f.request(http.MethodGet, "/page", "8.8.8.8")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403 after jail threshold", w.Code)
	}
	if !strings.Contains(w.Body.String(), "suspended") {
		t.Errorf("body %q, want suspension notice", w.Body.String())
	}
}

func TestHealthBypassesMitigation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newRouterFixture(t, upstream.URL)

	// Far more health probes than any bucket would allow.
	for i := 0; i < 50; i++ {
		w := f.request(http.MethodGet, "/healthz", "4.4.4.4")
		if w.Code != http.StatusOK {
			t.Fatalf("probe %d: status %d", i, w.Code)
		}
	}

	w := f.request(http.MethodGet, "/healthz", "4.4.4.4")
	if !strings.Contains(w.Body.String(), `"backend":"local"`) {
		t.Errorf("health body %q, want local backend mode", w.Body.String())
	}
	// The probing identity's bucket was never touched.
	if w := f.request(http.MethodGet, "/page", "4.4.4.4"); w.Code != http.StatusOK {
		t.Errorf("first real request: status %d, want 200", w.Code)
	}
}

func TestInternalTransportBypassForwards(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer upstream.Close()

	f := newRouterFixture(t, upstream.URL)

	// Bypass prefix that is neither admin nor health: straight to upstream.
	for i := 0; i < 20; i++ {
		if w := f.request(http.MethodGet, "/socket.io/?transport=polling", "3.3.3.3"); w.Code != http.StatusOK {
			t.Fatalf("bypass request %d: status %d", i, w.Code)
		}
	}
	if hits != 20 {
		t.Errorf("upstream hits %d, want 20", hits)
	}
}

func TestLowTokenWarningEmitted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newRouterFixture(t, upstream.URL)

	for i := 0; i < 5; i++ {
		f.request(http.MethodGet, "/page", "2.2.2.2")
	}
	if !f.sink.has("low_tokens") {
		t.Error("no low-token warning before the bucket emptied")
	}
}

// clientFingerprint mirrors what the router derives for f.request calls.
func clientFingerprint(ip string) string {
	return fingerprint.Derive(ip, "test-agent", "")
}
