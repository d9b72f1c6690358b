// Package config holds the site-guard application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dobrevit/site-guard/pkg/appeal"
	"github.com/dobrevit/site-guard/pkg/geo"
	"github.com/dobrevit/site-guard/pkg/ratelimit"
	"github.com/dobrevit/site-guard/pkg/session"
	"github.com/dobrevit/site-guard/pkg/storage"
)

// Config represents the main application configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Backend       storage.Config      `toml:"backend"`
	RateLimit     RateLimitConfig     `toml:"rateLimit"`
	Escalation    EscalationConfig    `toml:"escalation"`
	Session       SessionConfig       `toml:"session"`
	Admin         session.Credentials `toml:"admin"`
	Geo           geo.Config          `toml:"geo"`
	Appeal        appeal.Config       `toml:"appeal"`
	Threat        ThreatConfig        `toml:"threat"`
	Notifications NotificationsConfig `toml:"notifications"`
	Logging       LoggingConfig       `toml:"logging"`
}

// ServerConfig contains server-specific configuration.
type ServerConfig struct {
	Bind              string        `toml:"bind"`
	DataDir           string        `toml:"dataDir"`
	CanonicalHost     string        `toml:"canonicalHost"`
	TrustProxyHeaders bool          `toml:"trustProxyHeaders"`
	SweepInterval     time.Duration `toml:"sweepInterval"`
}

// RateLimitConfig contains the rule table and shared window.
type RateLimitConfig struct {
	Window    time.Duration    `toml:"window"`
	Whitelist []string         `toml:"whitelist"`
	Rules     []ratelimit.Rule `toml:"rules"`
}

// EscalationConfig tunes both violation escalators.
type EscalationConfig struct {
	Window             time.Duration `toml:"window"`
	BanDuration        time.Duration `toml:"banDuration"`
	RateLimitThreshold int           `toml:"rateLimitThreshold"`
	ThreatThreshold    int           `toml:"threatThreshold"`
}

// SessionConfig contains session and login-guard configuration.
type SessionConfig struct {
	Lifetime time.Duration       `toml:"lifetime"`
	Guard    session.GuardConfig `toml:"guard"`
}

// ThreatConfig contains scanner configuration.
type ThreatConfig struct {
	ExemptPaths []string `toml:"exemptPaths"`
	MaxBodySize int64    `toml:"maxBodySize"`
}

// NotificationsConfig bounds the audit log window.
type NotificationsConfig struct {
	Capacity int `toml:"capacity"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:          ":8080",
			DataDir:       "./data",
			SweepInterval: 5 * time.Minute,
		},
		Backend: storage.Config{
			Type: "memory",
			Redis: storage.RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				KeyPrefix:    "siteguard:",
				MaxRetries:   3,
			},
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Whitelist: []string{
				"127.0.0.1",
				"::1",
			},
			Rules: ratelimit.DefaultRules(),
		},
		Escalation: EscalationConfig{
			Window:             10 * time.Minute,
			BanDuration:        time.Hour,
			RateLimitThreshold: 5,
			ThreatThreshold:    3,
		},
		Session: SessionConfig{
			Lifetime: session.DefaultLifetime,
			Guard:    session.DefaultGuardConfig(),
		},
		Geo:    geo.DefaultConfig(),
		Appeal: appeal.DefaultConfig(),
		Threat: ThreatConfig{
			ExemptPaths: []string{
				"/security/appeal",
				"/security/block-status",
				"/api/uploads",
				"/api/content/raw",
			},
			MaxBodySize: 1 << 20,
		},
		Notifications: NotificationsConfig{Capacity: 500},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML configuration file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
