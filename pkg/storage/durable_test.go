package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *DurableStore {
	t.Helper()
	store, err := OpenDurableStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDurableStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDurableStoreBlockEntries(t *testing.T) {
	store := openTestStore(t)

	entry := BlockEntry{
		Address:      "1.2.3.4",
		BlockedUntil: time.Now().Add(time.Hour),
		Reason:       "repeated rate limit violations",
		Source:       "auto",
		CreatedAt:    time.Now(),
	}
	if err := store.PutBlockEntry(entry); err != nil {
		t.Fatalf("PutBlockEntry failed: %v", err)
	}

	entries, err := store.LoadBlockEntries()
	if err != nil {
		t.Fatalf("LoadBlockEntries failed: %v", err)
	}
	got, ok := entries["1.2.3.4"]
	if !ok {
		t.Fatal("expected entry for 1.2.3.4")
	}
	if got.Reason != entry.Reason || got.Source != "auto" {
		t.Errorf("entry mismatch: %+v", got)
	}

	if err := store.DeleteBlockEntry("1.2.3.4"); err != nil {
		t.Fatalf("DeleteBlockEntry failed: %v", err)
	}
	entries, _ = store.LoadBlockEntries()
	if len(entries) != 0 {
		t.Errorf("expected empty store after delete, got %d entries", len(entries))
	}
}

func TestDurableStorePrunesExpiredOnLoad(t *testing.T) {
	store := openTestStore(t)

	expired := BlockEntry{
		Address:      "5.6.7.8",
		BlockedUntil: time.Now().Add(-time.Minute),
		Reason:       "lapsed",
	}
	if err := store.PutBlockEntry(expired); err != nil {
		t.Fatalf("PutBlockEntry failed: %v", err)
	}

	entries, err := store.LoadBlockEntries()
	if err != nil {
		t.Fatalf("LoadBlockEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected expired entries dropped on load, got %d", len(entries))
	}
}

func TestDurableStoreAppeals(t *testing.T) {
	store := openTestStore(t)

	rec := AppealRecord{
		ID:         "a1",
		ClientAddr: "1.2.3.4",
		Reason:     "threat detections",
		Message:    "this was a false positive",
		Status:     "pending",
		CreatedAt:  time.Now(),
	}
	if err := store.PutAppeal(rec); err != nil {
		t.Fatalf("PutAppeal failed: %v", err)
	}

	got, err := store.GetAppeal("a1")
	if err != nil {
		t.Fatalf("GetAppeal failed: %v", err)
	}
	if got == nil || got.ClientAddr != "1.2.3.4" {
		t.Fatalf("expected stored appeal, got %+v", got)
	}

	if got, _ := store.GetAppeal("missing"); got != nil {
		t.Error("expected nil for unknown appeal id")
	}

	list, err := store.ListAppeals()
	if err != nil {
		t.Fatalf("ListAppeals failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 appeal, got %d", len(list))
	}
}

func TestDurableStoreLatestAppealFor(t *testing.T) {
	store := openTestStore(t)

	old := AppealRecord{ID: "old", ClientAddr: "1.2.3.4", CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := AppealRecord{ID: "recent", ClientAddr: "1.2.3.4", CreatedAt: time.Now().Add(-time.Hour)}
	other := AppealRecord{ID: "other", ClientAddr: "9.9.9.9", CreatedAt: time.Now()}
	for _, rec := range []AppealRecord{old, recent, other} {
		if err := store.PutAppeal(rec); err != nil {
			t.Fatalf("PutAppeal failed: %v", err)
		}
	}

	latest, err := store.LatestAppealFor("1.2.3.4")
	if err != nil {
		t.Fatalf("LatestAppealFor failed: %v", err)
	}
	if latest == nil || latest.ID != "recent" {
		t.Fatalf("expected most recent appeal, got %+v", latest)
	}

	none, err := store.LatestAppealFor("8.8.8.8")
	if err != nil {
		t.Fatalf("LatestAppealFor failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for client with no appeals, got %+v", none)
	}
}
