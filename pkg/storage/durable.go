// Package storage - Durable state for bans and appeals
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketBlocked = "blocked_ips"
	bucketAppeals = "appeals"
)

// BlockEntry is the persisted form of a temporary ban.
type BlockEntry struct {
	Address      string    `msgpack:"address" json:"address"`
	BlockedUntil time.Time `msgpack:"blocked_until" json:"blockedUntil"`
	Reason       string    `msgpack:"reason" json:"reason"`
	Source       string    `msgpack:"source" json:"source"` // auto, persisted, admin
	CreatedAt    time.Time `msgpack:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `msgpack:"updated_at" json:"updatedAt"`
}

// AppealRecord is the persisted form of an unban request. Appeals are never
// deleted; resolved ones stay for the audit trail.
type AppealRecord struct {
	ID           string    `msgpack:"id" json:"id"`
	ClientAddr   string    `msgpack:"client_addr" json:"clientAddress"`
	Reason       string    `msgpack:"reason" json:"reason"`
	BlockedUntil time.Time `msgpack:"blocked_until" json:"blockedUntil"`
	Message      string    `msgpack:"message" json:"message"`
	Contact      string    `msgpack:"contact" json:"contact,omitempty"`
	GeoSnapshot  string    `msgpack:"geo_snapshot" json:"geoSnapshot,omitempty"`
	Status       string    `msgpack:"status" json:"status"`     // pending, resolved
	Decision     string    `msgpack:"decision" json:"decision"` // "", unblock, keep
	AdminNote    string    `msgpack:"admin_note" json:"adminNote,omitempty"`
	CreatedAt    time.Time `msgpack:"created_at" json:"createdAt"`
	ResolvedAt   time.Time `msgpack:"resolved_at" json:"resolvedAt,omitempty"`
}

// DurableStore persists block entries and appeals across restarts. All
// writes are idempotent upserts keyed by address or appeal id.
type DurableStore struct {
	db *bolt.DB
}

// OpenDurableStore opens (or creates) the bbolt database at dataDir/siteguard.db.
func OpenDurableStore(dataDir string) (*DurableStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "siteguard.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBlocked, bucketAppeals} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &DurableStore{db: db}, nil
}

// PutBlockEntry upserts a ban record.
func (d *DurableStore) PutBlockEntry(entry BlockEntry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal block entry: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlocked)).Put([]byte(entry.Address), data)
	})
}

// DeleteBlockEntry removes a ban record.
func (d *DurableStore) DeleteBlockEntry(address string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlocked)).Delete([]byte(address))
	})
}

// LoadBlockEntries returns all ban records still in the future, deleting
// already-expired ones along the way.
func (d *DurableStore) LoadBlockEntries() (map[string]BlockEntry, error) {
	now := time.Now()
	result := make(map[string]BlockEntry)
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBlocked))
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry BlockEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				// Skip corrupt entries rather than refusing to start.
				return nil
			}
			if now.After(entry.BlockedUntil) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
				return nil
			}
			result[string(k)] = entry
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

// PutAppeal upserts an appeal record.
func (d *DurableStore) PutAppeal(rec AppealRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal appeal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAppeals)).Put([]byte(rec.ID), data)
	})
}

// GetAppeal returns the appeal with the given id, or nil.
func (d *DurableStore) GetAppeal(id string) (*AppealRecord, error) {
	var rec AppealRecord
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketAppeals)).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ListAppeals returns all appeal records.
func (d *DurableStore) ListAppeals() ([]AppealRecord, error) {
	var result []AppealRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAppeals)).ForEach(func(k, v []byte) error {
			var rec AppealRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal appeal %s: %w", k, err)
			}
			result = append(result, rec)
			return nil
		})
	})
	return result, err
}

// LatestAppealFor returns the most recent appeal submitted by the given
// client address, or nil. Used to enforce the minimum submission interval.
func (d *DurableStore) LatestAppealFor(clientAddr string) (*AppealRecord, error) {
	appeals, err := d.ListAppeals()
	if err != nil {
		return nil, err
	}
	var latest *AppealRecord
	for i := range appeals {
		if appeals[i].ClientAddr != clientAddr {
			continue
		}
		if latest == nil || appeals[i].CreatedAt.After(latest.CreatedAt) {
			latest = &appeals[i]
		}
	}
	return latest, nil
}

// SizeBytes reports the on-disk database size.
func (d *DurableStore) SizeBytes() (int64, error) {
	info, err := os.Stat(d.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close closes the underlying database.
func (d *DurableStore) Close() error {
	return d.db.Close()
}
