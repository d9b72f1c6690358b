// Package storage - Failover backend wrapping a shared primary with an
// in-process fallback
package storage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// FailoverBackend serves from the primary backend and degrades to the
// fallback when the primary errors. Security state accumulated on the
// fallback is not replayed to the primary; a recovered primary simply takes
// over again. Running multiple instances against the fallback fragments
// security state and is unsupported.
type FailoverBackend struct {
	primary  Backend
	fallback Backend

	mu          sync.Mutex
	lastWarning time.Time
}

// warnInterval throttles degradation warnings so a long outage does not
// produce one log line per request.
const warnInterval = 30 * time.Second

// NewFailoverBackend wraps primary with fallback.
func NewFailoverBackend(primary, fallback Backend) *FailoverBackend {
	return &FailoverBackend{primary: primary, fallback: fallback}
}

func (f *FailoverBackend) degraded(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastWarning) < warnInterval {
		return
	}
	f.lastWarning = time.Now()
	log.WithFields(log.Fields{
		"operation": op,
		"error":     err,
	}).Warn("Primary store unavailable, serving from in-process fallback")
}

func (f *FailoverBackend) RecordRequest(key string, window time.Duration) (int, error) {
	count, err := f.primary.RecordRequest(key, window)
	if err == nil {
		return count, nil
	}
	f.degraded("record_request", err)
	return f.fallback.RecordRequest(key, window)
}

func (f *FailoverBackend) CountRequests(key string, window time.Duration) (int, error) {
	count, err := f.primary.CountRequests(key, window)
	if err == nil {
		return count, nil
	}
	f.degraded("count_requests", err)
	return f.fallback.CountRequests(key, window)
}

func (f *FailoverBackend) IncrementViolation(key string, window time.Duration) (int, error) {
	count, err := f.primary.IncrementViolation(key, window)
	if err == nil {
		return count, nil
	}
	f.degraded("increment_violation", err)
	return f.fallback.IncrementViolation(key, window)
}

func (f *FailoverBackend) ClearViolations(key string) error {
	if err := f.primary.ClearViolations(key); err != nil {
		f.degraded("clear_violations", err)
	}
	return f.fallback.ClearViolations(key)
}

func (f *FailoverBackend) PutSession(token string, s Session, ttl time.Duration) error {
	err := f.primary.PutSession(token, s, ttl)
	if err == nil {
		return nil
	}
	f.degraded("put_session", err)
	return f.fallback.PutSession(token, s, ttl)
}

func (f *FailoverBackend) GetSession(token string) (*Session, error) {
	s, err := f.primary.GetSession(token)
	if err == nil {
		if s != nil {
			return s, nil
		}
		// A session issued during an outage lives only on the fallback.
		return f.fallback.GetSession(token)
	}
	f.degraded("get_session", err)
	return f.fallback.GetSession(token)
}

func (f *FailoverBackend) DeleteSession(token string) error {
	if err := f.primary.DeleteSession(token); err != nil {
		f.degraded("delete_session", err)
	}
	return f.fallback.DeleteSession(token)
}

func (f *FailoverBackend) GetLoginAttempt(key string) (*LoginAttempt, error) {
	a, err := f.primary.GetLoginAttempt(key)
	if err == nil {
		if a != nil {
			return a, nil
		}
		return f.fallback.GetLoginAttempt(key)
	}
	f.degraded("get_login_attempt", err)
	return f.fallback.GetLoginAttempt(key)
}

func (f *FailoverBackend) PutLoginAttempt(key string, a LoginAttempt, ttl time.Duration) error {
	err := f.primary.PutLoginAttempt(key, a, ttl)
	if err == nil {
		return nil
	}
	f.degraded("put_login_attempt", err)
	return f.fallback.PutLoginAttempt(key, a, ttl)
}

func (f *FailoverBackend) DeleteLoginAttempt(key string) error {
	if err := f.primary.DeleteLoginAttempt(key); err != nil {
		f.degraded("delete_login_attempt", err)
	}
	return f.fallback.DeleteLoginAttempt(key)
}

func (f *FailoverBackend) Cleanup(ctx context.Context) error {
	if err := f.primary.Cleanup(ctx); err != nil {
		f.degraded("cleanup", err)
	}
	return f.fallback.Cleanup(ctx)
}

func (f *FailoverBackend) Stats() (BackendStats, error) {
	stats, err := f.primary.Stats()
	if err == nil {
		return stats, nil
	}
	f.degraded("stats", err)
	return f.fallback.Stats()
}

func (f *FailoverBackend) Close() error {
	err := f.primary.Close()
	if ferr := f.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}
