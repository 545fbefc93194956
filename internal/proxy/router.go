// Package proxy is the client-facing HTTP surface: it classifies each
// request as bypassed, blocked, or forwarded and applies the mitigation
// pipeline in between.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/shield-proxy/internal/config"
	"github.com/developingchet/shield-proxy/internal/escalate"
	"github.com/developingchet/shield-proxy/internal/fingerprint"
	"github.com/developingchet/shield-proxy/internal/limiter"
	"github.com/developingchet/shield-proxy/internal/metrics"
	"github.com/developingchet/shield-proxy/internal/policy"
	"github.com/developingchet/shield-proxy/internal/state"
	"github.com/developingchet/shield-proxy/internal/telemetry"
)

const gatewayErrorBody = "Gateway Error: Backend is unreachable."

// Router dispatches every inbound request. Paths under a bypass prefix skip
// mitigation entirely; everything else runs the fingerprint → gate → bucket
// pipeline before being forwarded or rejected.
type Router struct {
	policies *policy.Store
	limiter  *limiter.Limiter
	machine  *escalate.Machine
	backend  *state.Backend
	sink     telemetry.Sink
	agg      *telemetry.Aggregator // may be nil

	bypassPrefixes []string
	adminPrefix    string
	admin          http.Handler
	upstream       *httputil.ReverseProxy
	log            zerolog.Logger
}

// NewRouter builds the router, including the reverse proxy to the upstream
// and the authenticated admin handler mounted under cfg.AdminPathPrefix.
func NewRouter(
	cfg *config.Config,
	policies *policy.Store,
	lim *limiter.Limiter,
	machine *escalate.Machine,
	backend *state.Backend,
	sink telemetry.Sink,
	agg *telemetry.Aggregator,
	log zerolog.Logger,
) (*Router, error) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = &http.Transport{
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		MaxIdleConnsPerHost:   64,
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		metrics.UpstreamErrors.Inc()
		log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream unreachable")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, gatewayErrorBody)
	}

	return &Router{
		policies:       policies,
		limiter:        lim,
		machine:        machine,
		backend:        backend,
		sink:           sink,
		agg:            agg,
		bypassPrefixes: cfg.BypassPrefixes,
		adminPrefix:    cfg.AdminPathPrefix,
		admin:          newAdminHandler(cfg, policies, machine, sink, log),
		upstream:       rp,
		log:            log,
	}, nil
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if rt.isBypass(path) {
		rt.serveBypass(w, r, path)
		return
	}

	class := rt.policies.Classify(path)
	fp := fingerprint.FromRequest(r)

	// Mitigation state updates must complete even if the client hangs up
	// mid-decision; a torn bucket write would corrupt the shared state.
	ctx := context.WithoutCancel(r.Context())

	start := time.Now()
	verdict, err := rt.machine.Check(ctx, fp)
	if err != nil {
		// Gate unavailable: fail open, the limiter call below will degrade
		// the backend and subsequent requests run locally.
		rt.log.Warn().Err(err).Str("fingerprint", fp).Msg("isolation check failed, letting request through")
		verdict = escalate.Verdict{}
	}
	if verdict.Isolated {
		metrics.DecisionDuration.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
		rt.reject(w, r, class, verdict)
		return
	}

	res := rt.limiter.Evaluate(ctx, fp, class)
	metrics.DecisionDuration.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())

	if !res.Allowed {
		rt.machine.RecordDenial(ctx, fp)
		metrics.RequestsTotal.WithLabelValues(string(class), "blocked_rate").Inc()
		rt.observe(http.StatusTooManyRequests, path)

		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintf(w, "Rate Limit Exceeded. Retry in %ds.", res.RetryAfter)
		return
	}

	if res.LowTokens() {
		rt.sink.Emit(telemetry.EventLowTokens, telemetry.LowTokensPayload{
			Fingerprint: fp,
			Class:       string(class),
			Tokens:      res.Tokens,
		})
	}

	metrics.RequestsTotal.WithLabelValues(string(class), "forwarded").Inc()
	rt.forward(w, r, path)
}

// isBypass reports whether the path skips mitigation entirely.
func (rt *Router) isBypass(path string) bool {
	for _, prefix := range rt.bypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// serveBypass dispatches a bypassed path: local admin and health handlers,
// everything else (internal transport such as websocket upgrade paths) goes
// straight to the upstream untouched.
func (rt *Router) serveBypass(w http.ResponseWriter, r *http.Request, path string) {
	metrics.RequestsTotal.WithLabelValues("-", "bypassed").Inc()

	switch {
	case strings.HasPrefix(path, rt.adminPrefix):
		rt.admin.ServeHTTP(w, r)
	case path == "/healthz":
		rt.serveHealth(w, r)
	default:
		rt.upstream.ServeHTTP(w, r)
	}
}

func (rt *Router) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","backend":%q}`, rt.backend.Mode())
}

func (rt *Router) reject(w http.ResponseWriter, r *http.Request, class policy.TrafficClass, v escalate.Verdict) {
	metrics.RequestsTotal.WithLabelValues(string(class), "blocked_isolation").Inc()
	rt.observe(http.StatusForbidden, r.URL.Path)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	if v.Permanent {
		fmt.Fprint(w, "Your access has been permanently revoked due to repeated violations.")
		return
	}
	secs := int(v.Remaining / time.Second)
	if secs < 1 {
		secs = 1
	}
	fmt.Fprintf(w, "Your access is suspended due to excessive violations. Try again in %ds.", secs)
}

func (rt *Router) forward(w http.ResponseWriter, r *http.Request, path string) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	rt.upstream.ServeHTTP(rec, r)
	metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	rt.observe(rec.status, path)
}

func (rt *Router) observe(status int, path string) {
	if rt.agg != nil {
		rt.agg.Observe(status, path)
	}
}

// statusRecorder captures the status code written by the reverse proxy.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach Flush/Hijack on the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
