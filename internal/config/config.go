package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Proxy surface
	ListenAddr      string        `koanf:"listen_addr"`
	UpstreamURL     string        `koanf:"upstream_url"`
	UpstreamTimeout time.Duration `koanf:"upstream_timeout"`

	// Request classification
	APIPathPrefix  string   `koanf:"api_path_prefix"`
	BypassPrefixes []string `koanf:"bypass_prefixes"`

	// Administrative surface
	AdminPathPrefix string `koanf:"admin_path_prefix"`
	AdminSecret     string `koanf:"admin_secret"`

	// Shared state backend
	UseRedis      bool          `koanf:"use_redis"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	ProbeInterval time.Duration `koanf:"probe_interval"`

	// Rate limit policy defaults (per traffic class)
	StandardCapacity   float64       `koanf:"standard_capacity"`
	StandardRefillRate float64       `koanf:"standard_refill_rate"`
	StandardStateTTL   time.Duration `koanf:"standard_state_ttl"`
	APICapacity        float64       `koanf:"api_capacity"`
	APIRefillRate      float64       `koanf:"api_refill_rate"`
	APIStateTTL        time.Duration `koanf:"api_state_ttl"`

	// Escalation policy
	JailThreshold      int           `koanf:"jail_threshold"`
	PermanentThreshold int           `koanf:"permanent_threshold"`
	JailDuration       time.Duration `koanf:"jail_duration"`
	ViolationWindow    time.Duration `koanf:"violation_window"`

	// Telemetry
	DashboardURL        string        `koanf:"dashboard_url"`
	TelemetryQueueDepth int           `koanf:"telemetry_queue_depth"`
	TelemetryWorkers    int           `koanf:"telemetry_workers"`
	StatsInterval       time.Duration `koanf:"stats_interval"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.UpstreamURL = stripEnvQuotes(c.UpstreamURL)
	c.APIPathPrefix = stripEnvQuotes(c.APIPathPrefix)
	c.AdminPathPrefix = stripEnvQuotes(c.AdminPathPrefix)
	c.AdminSecret = stripEnvQuotes(c.AdminSecret)
	c.RedisAddr = stripEnvQuotes(c.RedisAddr)
	c.RedisPassword = stripEnvQuotes(c.RedisPassword)
	c.DashboardURL = stripEnvQuotes(c.DashboardURL)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)

	for i, s := range c.BypassPrefixes {
		c.BypassPrefixes[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":           ":8080",
		"upstream_timeout":      "15s",
		"api_path_prefix":       "/api/",
		"bypass_prefixes":       "/sentinel/,/healthz,/socket.io/",
		"admin_path_prefix":     "/sentinel/",
		"use_redis":             true,
		"redis_addr":            "127.0.0.1:6379",
		"redis_db":              0,
		"probe_interval":        "5s",
		"standard_capacity":     20,
		"standard_refill_rate":  5,
		"standard_state_ttl":    "600s",
		"api_capacity":          5,
		"api_refill_rate":       1,
		"api_state_ttl":         "600s",
		"jail_threshold":        5,
		"permanent_threshold":   15,
		"jail_duration":         "1h",
		"violation_window":      "300s",
		"telemetry_queue_depth": 1024,
		"telemetry_workers":     2,
		"stats_interval":        "10s",
		"data_dir":              "/data",
		"log_level":             "info",
		"log_format":            "json",
		"metrics_enabled":       true,
		"metrics_addr":          ":9090",
		"janitor_interval":      "1m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. This normalises values set via Docker --env-file, which does not
// strip shell quoting. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. UPSTREAM_URL → "upstream_url"
	// maps to struct tag koanf:"upstream_url" without any nesting.
	k := koanf.New(".")

	// Apply defaults first
	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Load from environment — use "." as delimiter so env vars aren't split
	// by "_". Our env var names don't contain ".", so they stay flat.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Inject _FILE secrets
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.BypassPrefixes = splitCSV(k.String("bypass_prefixes"))

	// Strip Docker env-file quoting from all string values
	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UPSTREAM_URL must be a valid http:// or https:// URL; got %q", c.UpstreamURL)
	}

	if c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required")
	}

	if !strings.HasPrefix(c.AdminPathPrefix, "/") {
		return fmt.Errorf("ADMIN_PATH_PREFIX must start with /; got %q", c.AdminPathPrefix)
	}
	for _, p := range c.BypassPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("BYPASS_PREFIXES entries must start with /; got %q", p)
		}
	}
	// The admin surface is served from the bypass branch; a bypass list that
	// does not cover it would silently forward admin paths upstream.
	covered := false
	for _, p := range c.BypassPrefixes {
		if strings.HasPrefix(c.AdminPathPrefix, p) {
			covered = true
			break
		}
	}
	if !covered {
		return fmt.Errorf("BYPASS_PREFIXES must include a prefix covering ADMIN_PATH_PREFIX %q, otherwise the admin endpoints are unreachable", c.AdminPathPrefix)
	}

	for _, pair := range []struct {
		name  string
		value float64
	}{
		{"STANDARD_CAPACITY", c.StandardCapacity},
		{"STANDARD_REFILL_RATE", c.StandardRefillRate},
		{"API_CAPACITY", c.APICapacity},
		{"API_REFILL_RATE", c.APIRefillRate},
	} {
		if pair.value <= 0 {
			return fmt.Errorf("%s must be > 0; got %v", pair.name, pair.value)
		}
	}
	if c.StandardStateTTL < time.Second {
		return fmt.Errorf("STANDARD_STATE_TTL must be >= 1s; got %s", c.StandardStateTTL)
	}
	if c.APIStateTTL < time.Second {
		return fmt.Errorf("API_STATE_TTL must be >= 1s; got %s", c.APIStateTTL)
	}

	if c.JailThreshold < 1 {
		return fmt.Errorf("JAIL_THRESHOLD must be >= 1; got %d", c.JailThreshold)
	}
	if c.PermanentThreshold <= c.JailThreshold {
		return fmt.Errorf("PERMANENT_THRESHOLD must be > JAIL_THRESHOLD (%d); got %d",
			c.JailThreshold, c.PermanentThreshold)
	}
	if c.JailDuration <= 0 {
		return fmt.Errorf("JAIL_DURATION must be > 0; got %s", c.JailDuration)
	}
	if c.ViolationWindow < time.Second {
		return fmt.Errorf("VIOLATION_WINDOW must be >= 1s; got %s", c.ViolationWindow)
	}

	if c.DashboardURL != "" &&
		!strings.HasPrefix(c.DashboardURL, "http://") && !strings.HasPrefix(c.DashboardURL, "https://") {
		return fmt.Errorf("DASHBOARD_URL must start with http:// or https://; got %q", c.DashboardURL)
	}
	if c.TelemetryQueueDepth < 1 {
		return fmt.Errorf("TELEMETRY_QUEUE_DEPTH must be >= 1; got %d", c.TelemetryQueueDepth)
	}
	if c.TelemetryWorkers < 1 || c.TelemetryWorkers > 64 {
		return fmt.Errorf("TELEMETRY_WORKERS must be 1–64; got %d", c.TelemetryWorkers)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("STATS_INTERVAL must be > 0; got %s", c.StatsInterval)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.ProbeInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be > 0; got %s", c.ProbeInterval)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"admin_secret",
	"redis_password",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
