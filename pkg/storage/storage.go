// Package storage provides the volatile security-state backends for site-guard.
// All rate-limit windows, violation counters, sessions and login-attempt records
// live behind the Backend interface so the rest of the pipeline never touches a
// shared map directly.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Session is an authenticated admin session addressed by an opaque token.
type Session struct {
	Subject   string    `json:"subject" msgpack:"subject"`
	IssuedAt  time.Time `json:"issued_at" msgpack:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" msgpack:"expires_at"`
	ClientIP  string    `json:"client_ip" msgpack:"client_ip"`
	UserAgent string    `json:"user_agent" msgpack:"user_agent"`
}

// Expired reports whether the session lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// LoginAttempt tracks failed logins for one (username, client) pair.
type LoginAttempt struct {
	FailedAttempts int       `json:"failed_attempts" msgpack:"failed_attempts"`
	FirstFailureAt time.Time `json:"first_failure_at" msgpack:"first_failure_at"`
	LockUntil      time.Time `json:"lock_until" msgpack:"lock_until"`
}

// ViolationRecord counts rule violations for one client within a tracking window.
type ViolationRecord struct {
	Count       int       `json:"count" msgpack:"count"`
	FirstSeenAt time.Time `json:"first_seen_at" msgpack:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at" msgpack:"last_seen_at"`
}

// BackendStats represents backend statistics.
type BackendStats struct {
	BackendType     string `json:"backend_type"`
	TrackedKeys     int    `json:"tracked_keys"`
	ActiveSessions  int    `json:"active_sessions"`
	ViolationKeys   int    `json:"violation_keys"`
	LoginAttempters int    `json:"login_attempters"`
}

// Backend is the storage interface for volatile security state.
//
// Window operations implement a sliding window: timestamps older than the
// window are pruned on every access, so only relative time matters and
// repeated pruning is idempotent.
type Backend interface {
	// RecordRequest prunes expired events for key, appends now, and returns
	// the resulting count inside the window.
	RecordRequest(key string, window time.Duration) (int, error)

	// CountRequests returns the current in-window count without recording.
	CountRequests(key string, window time.Duration) (int, error)

	// IncrementViolation bumps the violation counter for key, resetting it
	// first when the existing record fell outside the tracking window.
	IncrementViolation(key string, window time.Duration) (int, error)
	ClearViolations(key string) error

	// Session management
	PutSession(token string, s Session, ttl time.Duration) error
	GetSession(token string) (*Session, error)
	DeleteSession(token string) error

	// Login attempt tracking
	GetLoginAttempt(key string) (*LoginAttempt, error)
	PutLoginAttempt(key string, a LoginAttempt, ttl time.Duration) error
	DeleteLoginAttempt(key string) error

	// Cleanup evicts expired windows, violations, sessions and attempts.
	Cleanup(ctx context.Context) error

	Stats() (BackendStats, error)
	Close() error
}

// Config selects and configures the backend.
type Config struct {
	Type  string      `toml:"type"` // "memory" or "redis"
	Redis RedisConfig `toml:"redis"`
}

// NewBackend creates the backend named by config. A Redis backend is always
// wrapped in a failover so store outages degrade to in-process state instead
// of failing requests.
func NewBackend(config Config) (Backend, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "redis":
		primary, err := NewRedisBackend(config.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis backend: %w", err)
		}
		return NewFailoverBackend(primary, NewMemoryBackend()), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", config.Type)
	}
}
