// Package notify implements the append-only audit notification log. Every
// escalation, login outcome, appeal event and administrative action lands
// here, capped to a bounded recent window.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Notification categories.
const (
	CategoryRateLimit = "rate_limit"
	CategoryThreat    = "threat"
	CategoryBlock     = "block"
	CategoryLogin     = "login"
	CategoryAppeal    = "appeal"
	CategoryAdmin     = "admin"
	CategorySystem    = "system"
)

// Notification is one audit log entry.
type Notification struct {
	ID         string            `json:"id"`
	Category   string            `json:"category"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	ClientAddr string            `json:"clientAddress,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Read       bool              `json:"read"`
}

// DefaultCapacity bounds the retained window when config gives none.
const DefaultCapacity = 500

// Log is a bounded, in-memory audit log. Oldest entries are evicted once
// capacity is reached. Every entry is also emitted through logrus so external
// aggregation keeps the full history.
type Log struct {
	mu       sync.RWMutex
	entries  []Notification
	capacity int
	logger   *log.Logger
}

// NewLog creates a notification log with the given capacity.
func NewLog(capacity int, logger *log.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Log{
		entries:  make([]Notification, 0, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add appends a notification and returns its generated id.
func (l *Log) Add(category, title, message, clientAddr string, metadata map[string]string) string {
	n := Notification{
		ID:         uuid.NewString(),
		Category:   category,
		Title:      title,
		Message:    message,
		ClientAddr: clientAddr,
		Metadata:   metadata,
		Timestamp:  time.Now(),
	}

	l.mu.Lock()
	if len(l.entries) >= l.capacity {
		// Drop the oldest entry.
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, n)
	l.mu.Unlock()

	fields := log.Fields{
		"notification_id": n.ID,
		"category":        n.Category,
		"client":          n.ClientAddr,
	}
	for k, v := range metadata {
		fields[k] = v
	}
	l.logger.WithFields(fields).Info(title + ": " + message)

	return n.ID
}

// Recent returns up to n notifications, newest first.
func (l *Log) Recent(n int) []Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Notification, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[len(l.entries)-1-i]
	}
	return out
}

// MarkRead flags a notification as read.
func (l *Log) MarkRead(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].Read = true
			return true
		}
	}
	return false
}

// SetMetadata sets a metadata key on every notification matching the given
// metadata pair. The appeal workflow uses this to mark its originating
// notification resolved so the operator UI reflects outcome without a second
// data source.
func (l *Log) SetMetadata(matchKey, matchValue, key, value string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	updated := 0
	for i := range l.entries {
		if l.entries[i].Metadata[matchKey] != matchValue {
			continue
		}
		if l.entries[i].Metadata == nil {
			l.entries[i].Metadata = make(map[string]string)
		}
		l.entries[i].Metadata[key] = value
		updated++
	}
	return updated
}

// FindByMetadata returns all notifications carrying the given metadata pair,
// newest first.
func (l *Log) FindByMetadata(key, value string) []Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Notification
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Metadata[key] == value {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// Len returns the number of retained notifications.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
