package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Bind != ":8080" {
		t.Errorf("unexpected bind %q", cfg.Server.Bind)
	}
	if cfg.Backend.Type != "memory" {
		t.Errorf("unexpected backend type %q", cfg.Backend.Type)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("unexpected window %v", cfg.RateLimit.Window)
	}
	if len(cfg.RateLimit.Rules) == 0 {
		t.Fatal("expected default rule table")
	}
	last := cfg.RateLimit.Rules[len(cfg.RateLimit.Rules)-1]
	if last.Name != "default" || last.PathPrefix != "" {
		t.Errorf("expected catch-all rule last, got %+v", last)
	}
	if cfg.Escalation.RateLimitThreshold != 5 || cfg.Escalation.ThreatThreshold != 3 {
		t.Errorf("unexpected escalation thresholds %+v", cfg.Escalation)
	}
	if cfg.Session.Guard.MaxFailures != 5 {
		t.Errorf("unexpected guard config %+v", cfg.Session.Guard)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Bind != ":8080" {
		t.Errorf("expected defaults, got bind %q", cfg.Server.Bind)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
bind = ":9090"
canonicalHost = "example.com"
trustProxyHeaders = true

[backend]
type = "memory"

[logging]
level = "debug"
format = "json"

[admin]
username = "operator"
passwordHash = "$2a$10$example"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Bind != ":9090" {
		t.Errorf("expected override, got %q", cfg.Server.Bind)
	}
	if cfg.Server.CanonicalHost != "example.com" || !cfg.Server.TrustProxyHeaders {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}
	if cfg.Admin.Username != "operator" {
		t.Errorf("unexpected admin config %+v", cfg.Admin)
	}
	// Sections absent from the file keep their defaults.
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("expected default window preserved, got %v", cfg.RateLimit.Window)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[server\nbind="), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
