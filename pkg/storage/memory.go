// Package storage - Memory backend implementation
package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend implements the Backend interface using in-process maps.
type MemoryBackend struct {
	// Sliding window events per key
	events   map[string][]time.Time
	eventsMu sync.Mutex

	// Violation records per client
	violations   map[string]*ViolationRecord
	violationsMu sync.Mutex

	// Sessions by token, with expiry carried on the session itself
	sessions   map[string]Session
	sessionsMu sync.Mutex

	// Login attempts per (username, client) key
	attempts   map[string]attemptEntry
	attemptsMu sync.Mutex

	// Tracking windows recorded per key so Cleanup can prune correctly
	windows   map[string]time.Duration
	windowsMu sync.Mutex
}

type attemptEntry struct {
	attempt   LoginAttempt
	expiresAt time.Time
}

// NewMemoryBackend creates a new memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		events:     make(map[string][]time.Time),
		violations: make(map[string]*ViolationRecord),
		sessions:   make(map[string]Session),
		attempts:   make(map[string]attemptEntry),
		windows:    make(map[string]time.Duration),
	}
}

func (m *MemoryBackend) rememberWindow(key string, window time.Duration) {
	m.windowsMu.Lock()
	m.windows[key] = window
	m.windowsMu.Unlock()
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			ts[n] = t
			n++
		}
	}
	return ts[:n]
}

func (m *MemoryBackend) RecordRequest(key string, window time.Duration) (int, error) {
	m.rememberWindow(key, window)

	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()

	now := time.Now()
	pruned := pruneTimes(m.events[key], now.Add(-window))
	pruned = append(pruned, now)
	m.events[key] = pruned
	return len(pruned), nil
}

func (m *MemoryBackend) CountRequests(key string, window time.Duration) (int, error) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()

	pruned := pruneTimes(m.events[key], time.Now().Add(-window))
	if len(pruned) == 0 {
		delete(m.events, key)
		return 0, nil
	}
	m.events[key] = pruned
	return len(pruned), nil
}

func (m *MemoryBackend) IncrementViolation(key string, window time.Duration) (int, error) {
	m.violationsMu.Lock()
	defer m.violationsMu.Unlock()

	now := time.Now()
	rec := m.violations[key]
	if rec == nil || now.Sub(rec.FirstSeenAt) > window {
		rec = &ViolationRecord{FirstSeenAt: now}
		m.violations[key] = rec
	}
	rec.Count++
	rec.LastSeenAt = now
	return rec.Count, nil
}

func (m *MemoryBackend) ClearViolations(key string) error {
	m.violationsMu.Lock()
	delete(m.violations, key)
	m.violationsMu.Unlock()
	return nil
}

func (m *MemoryBackend) PutSession(token string, s Session, ttl time.Duration) error {
	m.sessionsMu.Lock()
	m.sessions[token] = s
	m.sessionsMu.Unlock()
	return nil
}

func (m *MemoryBackend) GetSession(token string) (*Session, error) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	if s.Expired(time.Now()) {
		delete(m.sessions, token)
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryBackend) DeleteSession(token string) error {
	m.sessionsMu.Lock()
	delete(m.sessions, token)
	m.sessionsMu.Unlock()
	return nil
}

func (m *MemoryBackend) GetLoginAttempt(key string) (*LoginAttempt, error) {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()

	e, ok := m.attempts[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.attempts, key)
		return nil, nil
	}
	a := e.attempt
	return &a, nil
}

func (m *MemoryBackend) PutLoginAttempt(key string, a LoginAttempt, ttl time.Duration) error {
	m.attemptsMu.Lock()
	m.attempts[key] = attemptEntry{attempt: a, expiresAt: time.Now().Add(ttl)}
	m.attemptsMu.Unlock()
	return nil
}

func (m *MemoryBackend) DeleteLoginAttempt(key string) error {
	m.attemptsMu.Lock()
	delete(m.attempts, key)
	m.attemptsMu.Unlock()
	return nil
}

// Cleanup evicts expired entries from all maps. Windows for event keys are the
// ones last seen on RecordRequest; keys without a recorded window fall back to
// an hour, matching the sweep horizon.
func (m *MemoryBackend) Cleanup(ctx context.Context) error {
	now := time.Now()

	m.windowsMu.Lock()
	windows := make(map[string]time.Duration, len(m.windows))
	for k, w := range m.windows {
		windows[k] = w
	}
	m.windowsMu.Unlock()

	m.eventsMu.Lock()
	for key, ts := range m.events {
		window, ok := windows[key]
		if !ok {
			window = time.Hour
		}
		pruned := pruneTimes(ts, now.Add(-window))
		if len(pruned) == 0 {
			delete(m.events, key)
		} else {
			m.events[key] = pruned
		}
	}
	m.eventsMu.Unlock()

	m.violationsMu.Lock()
	for key, rec := range m.violations {
		// A record idle for over an hour is stale regardless of its window.
		if now.Sub(rec.LastSeenAt) > time.Hour {
			delete(m.violations, key)
		}
	}
	m.violationsMu.Unlock()

	m.sessionsMu.Lock()
	for token, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, token)
		}
	}
	m.sessionsMu.Unlock()

	m.attemptsMu.Lock()
	for key, e := range m.attempts {
		if now.After(e.expiresAt) {
			delete(m.attempts, key)
		}
	}
	m.attemptsMu.Unlock()

	m.windowsMu.Lock()
	m.eventsMu.Lock()
	for key := range m.windows {
		if _, live := m.events[key]; !live {
			delete(m.windows, key)
		}
	}
	m.eventsMu.Unlock()
	m.windowsMu.Unlock()

	return nil
}

func (m *MemoryBackend) Stats() (BackendStats, error) {
	stats := BackendStats{BackendType: "memory"}

	m.eventsMu.Lock()
	stats.TrackedKeys = len(m.events)
	m.eventsMu.Unlock()

	m.sessionsMu.Lock()
	stats.ActiveSessions = len(m.sessions)
	m.sessionsMu.Unlock()

	m.violationsMu.Lock()
	stats.ViolationKeys = len(m.violations)
	m.violationsMu.Unlock()

	m.attemptsMu.Lock()
	stats.LoginAttempters = len(m.attempts)
	m.attemptsMu.Unlock()

	return stats, nil
}

func (m *MemoryBackend) Close() error {
	m.eventsMu.Lock()
	m.events = make(map[string][]time.Time)
	m.eventsMu.Unlock()

	m.violationsMu.Lock()
	m.violations = make(map[string]*ViolationRecord)
	m.violationsMu.Unlock()

	m.sessionsMu.Lock()
	m.sessions = make(map[string]Session)
	m.sessionsMu.Unlock()

	m.attemptsMu.Lock()
	m.attempts = make(map[string]attemptEntry)
	m.attemptsMu.Unlock()

	return nil
}
