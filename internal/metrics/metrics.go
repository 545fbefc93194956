package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shield_proxy"

var (
	// RequestsTotal counts requests by traffic class and routing outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests by traffic class and routing outcome.",
	}, []string{"class", "outcome"})

	// DecisionDuration records mitigation decision latency (gate + bucket).
	DecisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decision_duration_seconds",
		Help:      "Mitigation decision latency in seconds.",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	}, []string{"class"})

	// ViolationsTotal counts rate-limit denials recorded against identities.
	ViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "violations_total",
		Help:      "Rate-limit denials recorded against identities.",
	})

	// JailsTotal counts jail transitions (including refreshes).
	JailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jails_total",
		Help:      "Jail transitions by trigger.",
	}, []string{"trigger"})

	// PermanentBansTotal counts permanent-ban transitions.
	PermanentBansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permanent_bans_total",
		Help:      "Permanent ban transitions.",
	})

	// FailOpenTotal counts requests admitted because the decision could not be computed.
	FailOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fail_open_total",
		Help:      "Requests admitted because the mitigation decision failed.",
	})

	// BackendDistributed is 1 while the shared Redis backend is active, 0 in local mode.
	BackendDistributed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_distributed",
		Help:      "1 while the shared Redis backend is active, 0 in local-only mode.",
	})

	// StoreErrors counts shared-state command failures by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Shared-state command failures by operation.",
	}, []string{"op"})

	// UpstreamDuration records upstream round-trip latency.
	UpstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_duration_seconds",
		Help:      "Upstream round-trip latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	})

	// UpstreamErrors counts connect-level upstream failures surfaced as 502.
	UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_errors_total",
		Help:      "Connect-level upstream failures surfaced as 502.",
	})

	// TelemetryEvents counts emitted telemetry events by name and delivery status.
	TelemetryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_events_total",
		Help:      "Telemetry events by name and delivery status.",
	}, []string{"event", "status"})

	// RegistrySizeBytes tracks the bbolt ban registry on-disk file size.
	RegistrySizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_size_bytes",
		Help:      "bbolt ban registry on-disk file size in bytes.",
	})

	// JanitorPruned counts entries removed by the janitor, by store.
	JanitorPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "janitor_pruned_total",
		Help:      "Expired entries removed by the janitor.",
	}, []string{"store"})
)
