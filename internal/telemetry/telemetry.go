// Package telemetry pushes mitigation events to the operator dashboard.
// Delivery is fire-and-forget: events are queued in memory, posted once,
// and dropped on overflow or failure. Enforcement never waits on telemetry.
package telemetry

import "time"

// Event names on the dashboard wire.
const (
	EventJailed        = "identity_jailed"
	EventPermanentBan  = "identity_banned"
	EventIsolationOver = "isolation_cleared"
	EventLowTokens     = "low_tokens"
	EventStats         = "traffic_stats"
	EventConfigChanged = "config_changed"
)

// JailedPayload announces a temporary isolation verdict.
type JailedPayload struct {
	Fingerprint string    `json:"fingerprint"`
	Reason      string    `json:"reason"`
	BannedUntil time.Time `json:"banned_until"`
}

// BannedPayload announces a permanent isolation verdict.
type BannedPayload struct {
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason"`
}

// ClearedPayload announces an administrative unjail.
type ClearedPayload struct {
	Fingerprint string `json:"fingerprint"`
}

// LowTokensPayload is the early warning before denials start.
type LowTokensPayload struct {
	Fingerprint string  `json:"fingerprint"`
	Class       string  `json:"class"`
	Tokens      float64 `json:"tokens"`
}

// StatsPayload is the periodic traffic aggregate.
type StatsPayload struct {
	RequestsPerSecond float64          `json:"requests_per_second"`
	StatusCodes       map[string]int64 `json:"status_codes"`
	TopEndpoints      []EndpointCount  `json:"top_endpoints"`
	WindowSeconds     int              `json:"window_seconds"`
}

// EndpointCount is one entry of the top-endpoints list.
type EndpointCount struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

// ConfigChangedPayload announces a runtime policy update.
type ConfigChangedPayload struct {
	Document any `json:"document"`
}

// Sink accepts telemetry events. Emit must never block the caller.
type Sink interface {
	Emit(event string, payload any)
}

// NopSink discards all events. Used when no dashboard URL is configured.
type NopSink struct{}

func (NopSink) Emit(string, any) {}
