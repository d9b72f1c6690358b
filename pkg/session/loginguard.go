// Package session - Brute-force lockout with escalating delay
package session

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/storage"
)

// GuardConfig tunes the login guard.
type GuardConfig struct {
	MaxFailures  int           `toml:"maxFailures"`
	LockWindow   time.Duration `toml:"lockWindow"`
	LockDuration time.Duration `toml:"lockDuration"`
	BaseDelay    time.Duration `toml:"baseDelay"`
	MaxDelay     time.Duration `toml:"maxDelay"`
}

// DefaultGuardConfig returns the standard lockout parameters: five failures
// inside fifteen minutes lock the pair out for fifteen minutes.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxFailures:  5,
		LockWindow:   15 * time.Minute,
		LockDuration: 15 * time.Minute,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     3 * time.Second,
	}
}

// Guard tracks failed logins per (username, client) pair. Each failure adds
// an escalating artificial delay before the response, independent of the
// hard lockout, raising the cost of automated guessing.
type Guard struct {
	backend storage.Backend
	config  GuardConfig
	logger  *log.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewGuard creates a login guard.
func NewGuard(backend storage.Backend, config GuardConfig, logger *log.Logger) *Guard {
	if config.MaxFailures <= 0 {
		config = DefaultGuardConfig()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Guard{backend: backend, config: config, logger: logger, sleep: time.Sleep}
}

func attemptKey(username, clientIP string) string {
	return username + "@" + clientIP
}

// CheckLocked reports whether the pair is currently locked out and, if so,
// how long until the lock elapses.
func (g *Guard) CheckLocked(username, clientIP string) (bool, time.Duration, error) {
	rec, err := g.backend.GetLoginAttempt(attemptKey(username, clientIP))
	if err != nil {
		return false, 0, err
	}
	if rec == nil {
		return false, 0, nil
	}
	now := time.Now()
	if rec.LockUntil.After(now) {
		return true, rec.LockUntil.Sub(now), nil
	}
	return false, 0, nil
}

// RecordFailure registers a failed attempt and applies the artificial delay.
// Returns the delay applied and the lockout state after this failure.
func (g *Guard) RecordFailure(username, clientIP string) (time.Duration, bool, time.Duration, error) {
	key := attemptKey(username, clientIP)
	now := time.Now()

	rec, err := g.backend.GetLoginAttempt(key)
	if err != nil {
		return 0, false, 0, err
	}
	// Attempts outside the trailing window start a fresh count.
	if rec == nil || now.Sub(rec.FirstFailureAt) > g.config.LockWindow {
		rec = &storage.LoginAttempt{FirstFailureAt: now}
	}
	rec.FailedAttempts++

	delay := time.Duration(rec.FailedAttempts) * g.config.BaseDelay
	if delay > g.config.MaxDelay {
		delay = g.config.MaxDelay
	}

	locked := false
	var retryAfter time.Duration
	if rec.FailedAttempts >= g.config.MaxFailures {
		rec.LockUntil = now.Add(g.config.LockDuration)
		locked = true
		retryAfter = g.config.LockDuration
		g.logger.WithFields(log.Fields{
			"username": username,
			"client":   clientIP,
			"failures": rec.FailedAttempts,
		}).Warn("Login lockout engaged")
	}

	if err := g.backend.PutLoginAttempt(key, *rec, g.config.LockWindow+g.config.LockDuration); err != nil {
		return delay, locked, retryAfter, err
	}

	g.sleep(delay)
	return delay, locked, retryAfter, nil
}

// RecordSuccess clears the attempt state for the pair.
func (g *Guard) RecordSuccess(username, clientIP string) error {
	return g.backend.DeleteLoginAttempt(attemptKey(username, clientIP))
}
