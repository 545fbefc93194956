package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

func TestLoadMissingRequired(t *testing.T) {
	// Clear any env vars that might be set
	os.Unsetenv("UPSTREAM_URL")
	os.Unsetenv("ADMIN_SECRET")

	_, err := Load()
	if err == nil {
		t.Error("expected error when UPSTREAM_URL missing")
	}
}

func TestLoadMinimalValid(t *testing.T) {
	setEnv(t, "UPSTREAM_URL", "http://localhost:4000")
	setEnv(t, "ADMIN_SECRET", "sentinel-root")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UpstreamURL != "http://localhost:4000" {
		t.Errorf("UpstreamURL: got %q", cfg.UpstreamURL)
	}
	if cfg.AdminSecret != "sentinel-root" {
		t.Errorf("AdminSecret: got %q", cfg.AdminSecret)
	}
	// Defaults applied
	if cfg.StandardCapacity != 20 || cfg.StandardRefillRate != 5 {
		t.Errorf("standard policy defaults: got %v/%v", cfg.StandardCapacity, cfg.StandardRefillRate)
	}
	if cfg.APICapacity != 5 || cfg.APIRefillRate != 1 {
		t.Errorf("api policy defaults: got %v/%v", cfg.APICapacity, cfg.APIRefillRate)
	}
	if cfg.JailThreshold != 5 || cfg.PermanentThreshold != 15 {
		t.Errorf("escalation defaults: got %d/%d", cfg.JailThreshold, cfg.PermanentThreshold)
	}
	if cfg.JailDuration != time.Hour {
		t.Errorf("JailDuration default: got %s", cfg.JailDuration)
	}
	if !cfg.UseRedis {
		t.Error("UseRedis should default to true")
	}
}

func TestFileSecretInjection(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "admin_secret.txt")
	if err := os.WriteFile(secretFile, []byte("  secret-from-file  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	setEnv(t, "UPSTREAM_URL", "http://localhost:4000")
	setEnv(t, "ADMIN_SECRET_FILE", secretFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.AdminSecret != "secret-from-file" {
		t.Errorf("expected trimmed file secret, got %q", cfg.AdminSecret)
	}
}

func TestBypassPrefixesParsing(t *testing.T) {
	setEnv(t, "UPSTREAM_URL", "http://localhost:4000")
	setEnv(t, "ADMIN_SECRET", "s")
	setEnv(t, "BYPASS_PREFIXES", "/sentinel/, /healthz ,/ws/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"/sentinel/", "/healthz", "/ws/"}
	if len(cfg.BypassPrefixes) != len(want) {
		t.Fatalf("expected %d bypass prefixes, got %d", len(want), len(cfg.BypassPrefixes))
	}
	for i, p := range want {
		if cfg.BypassPrefixes[i] != p {
			t.Errorf("prefix %d: got %q want %q", i, cfg.BypassPrefixes[i], p)
		}
	}
}

func TestValidateBypassMustCoverAdminPrefix(t *testing.T) {
	setEnv(t, "UPSTREAM_URL", "http://localhost:4000")
	setEnv(t, "ADMIN_SECRET", "s")
	setEnv(t, "BYPASS_PREFIXES", "/healthz,/ws/")

	if _, err := Load(); err == nil {
		t.Error("expected error when no bypass prefix covers the admin prefix")
	}

	// A broader covering prefix is fine too.
	setEnv(t, "BYPASS_PREFIXES", "/sent,/healthz")
	if _, err := Load(); err != nil {
		t.Errorf("covering prefix rejected: %v", err)
	}
}

func TestValidateRejectsNonPositivePolicy(t *testing.T) {
	setEnv(t, "UPSTREAM_URL", "http://localhost:4000")
	setEnv(t, "ADMIN_SECRET", "s")
	setEnv(t, "API_CAPACITY", "0")

	if _, err := Load(); err == nil {
		t.Error("expected error for API_CAPACITY=0")
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	setEnv(t, "UPSTREAM_URL", "http://localhost:4000")
	setEnv(t, "ADMIN_SECRET", "s")
	setEnv(t, "JAIL_THRESHOLD", "10")
	setEnv(t, "PERMANENT_THRESHOLD", "10")

	if _, err := Load(); err == nil {
		t.Error("expected error when PERMANENT_THRESHOLD <= JAIL_THRESHOLD")
	}
}

func TestValidateUpstreamScheme(t *testing.T) {
	setEnv(t, "UPSTREAM_URL", "ftp://backend:21")
	setEnv(t, "ADMIN_SECRET", "s")

	if _, err := Load(); err == nil {
		t.Error("expected error for non-http upstream URL")
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := map[string]string{
		`"http://x"`: "http://x",
		`'secret'`:   "secret",
		`plain`:      "plain",
		`"mismatch'`: `"mismatch'`,
		`""`:         "",
	}
	for in, want := range cases {
		if got := stripEnvQuotes(in); got != want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}
