// Package blocklist holds the authoritative temporary-ban state. It is
// consulted before every other request gate and persists each mutation so a
// restart reconstructs live state.
package blocklist

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/metrics"
	"github.com/dobrevit/site-guard/pkg/notify"
	"github.com/dobrevit/site-guard/pkg/storage"
)

// Ban sources.
const (
	SourceAuto      = "auto"
	SourcePersisted = "persisted"
	SourceAdmin     = "admin"
)

// Status describes the block state of one client.
type Status struct {
	Blocked      bool          `json:"blocked"`
	Reason       string        `json:"reason,omitempty"`
	BlockedUntil time.Time     `json:"blockedUntil,omitempty"`
	Remaining    time.Duration `json:"-"`
}

// Registry is the in-memory ban table backed by the durable store.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]storage.BlockEntry

	durable       *storage.DurableStore
	notifications *notify.Log
	logger        *log.Logger
}

// Open loads persisted bans from the durable store, discarding entries that
// expired while the process was down.
func Open(durable *storage.DurableStore, notifications *notify.Log, logger *log.Logger) (*Registry, error) {
	entries, err := durable.LoadBlockEntries()
	if err != nil {
		return nil, err
	}
	for addr, entry := range entries {
		// Entries restored from disk keep their reason but are re-tagged so
		// audit trails show they crossed a restart.
		entry.Source = SourcePersisted
		entries[addr] = entry
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Registry{
		entries:       entries,
		durable:       durable,
		notifications: notifications,
		logger:        logger,
	}
	metrics.ActiveBans.Set(float64(len(entries)))
	if len(entries) > 0 {
		logger.WithField("count", len(entries)).Info("Restored persisted IP blocks")
	}
	return r, nil
}

// Status returns the block state for a client, lazily evicting an entry
// whose ban has already expired.
func (r *Registry) Status(clientID string) Status {
	r.mu.RLock()
	entry, ok := r.entries[clientID]
	r.mu.RUnlock()

	if !ok {
		return Status{}
	}

	now := time.Now()
	if now.After(entry.BlockedUntil) {
		r.evict(clientID, entry.BlockedUntil)
		return Status{}
	}

	return Status{
		Blocked:      true,
		Reason:       entry.Reason,
		BlockedUntil: entry.BlockedUntil,
		Remaining:    entry.BlockedUntil.Sub(now),
	}
}

// evict removes an expired entry unless it was re-blocked in the meantime.
func (r *Registry) evict(clientID string, seenUntil time.Time) {
	r.mu.Lock()
	entry, ok := r.entries[clientID]
	removed := ok && entry.BlockedUntil.Equal(seenUntil)
	if removed {
		delete(r.entries, clientID)
		metrics.ActiveBans.Set(float64(len(r.entries)))
	}
	r.mu.Unlock()

	if removed {
		r.persistDelete(clientID)
	}
}

// Block bans a client for the given duration. An existing entry is extended
// in place, keeping its creation time.
func (r *Registry) Block(clientID string, duration time.Duration, reason, source string) {
	now := time.Now()

	r.mu.Lock()
	entry, ok := r.entries[clientID]
	if !ok {
		entry = storage.BlockEntry{Address: clientID, CreatedAt: now}
	}
	entry.BlockedUntil = now.Add(duration)
	entry.Reason = reason
	entry.Source = source
	entry.UpdatedAt = now
	r.entries[clientID] = entry
	metrics.ActiveBans.Set(float64(len(r.entries)))
	r.mu.Unlock()

	metrics.BansTotal.WithLabelValues(source).Inc()
	r.logger.WithFields(log.Fields{
		"client":   clientID,
		"reason":   reason,
		"source":   source,
		"duration": duration,
	}).Warn("Client blocked")

	if r.notifications != nil {
		r.notifications.Add(notify.CategoryBlock, "IP blocked", reason, clientID, map[string]string{
			"source":       source,
			"blockedUntil": entry.BlockedUntil.Format(time.RFC3339),
		})
	}

	r.persistPut(entry)
}

// Unblock lifts a ban immediately.
func (r *Registry) Unblock(clientID string) {
	r.mu.Lock()
	_, ok := r.entries[clientID]
	delete(r.entries, clientID)
	metrics.ActiveBans.Set(float64(len(r.entries)))
	r.mu.Unlock()

	if ok {
		r.logger.WithField("client", clientID).Info("Client unblocked")
		if r.notifications != nil {
			r.notifications.Add(notify.CategoryBlock, "IP unblocked", "Block lifted", clientID, nil)
		}
	}

	r.persistDelete(clientID)
}

// PruneExpired drops every entry whose ban has lapsed. Called by the janitor
// in addition to read-triggered eviction.
func (r *Registry) PruneExpired() int {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for addr, entry := range r.entries {
		if now.After(entry.BlockedUntil) {
			expired = append(expired, addr)
			delete(r.entries, addr)
		}
	}
	metrics.ActiveBans.Set(float64(len(r.entries)))
	r.mu.Unlock()

	for _, addr := range expired {
		r.persistDelete(addr)
	}
	return len(expired)
}

// ActiveCount returns the number of live bans.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Persistence failures are logged and swallowed: in-memory state stays
// authoritative for the rest of the process lifetime.

func (r *Registry) persistPut(entry storage.BlockEntry) {
	if r.durable == nil {
		return
	}
	if err := r.durable.PutBlockEntry(entry); err != nil {
		r.logger.WithFields(log.Fields{
			"client": entry.Address,
			"error":  err,
		}).Error("Failed to persist block entry")
		if r.notifications != nil {
			r.notifications.Add(notify.CategorySystem, "Persistence failure",
				"Failed to persist block entry: "+err.Error(), entry.Address, nil)
		}
	}
}

func (r *Registry) persistDelete(clientID string) {
	if r.durable == nil {
		return
	}
	if err := r.durable.DeleteBlockEntry(clientID); err != nil {
		r.logger.WithFields(log.Fields{
			"client": clientID,
			"error":  err,
		}).Error("Failed to remove persisted block entry")
	}
}
