package blocklist

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/notify"
	"github.com/dobrevit/site-guard/pkg/storage"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	durable, err := storage.OpenDurableStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDurableStore failed: %v", err)
	}
	t.Cleanup(func() { durable.Close() })

	r, err := Open(durable, notify.NewLog(50, testLogger()), testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return r
}

func TestBlockAndStatus(t *testing.T) {
	r := testRegistry(t)

	if r.Status("1.2.3.4").Blocked {
		t.Fatal("expected unknown client unblocked")
	}

	r.Block("1.2.3.4", time.Hour, "repeated rate limit violations", SourceAuto)

	status := r.Status("1.2.3.4")
	if !status.Blocked {
		t.Fatal("expected client blocked")
	}
	if status.Reason != "repeated rate limit violations" {
		t.Errorf("unexpected reason %q", status.Reason)
	}
	if status.Remaining <= 0 || status.Remaining > time.Hour {
		t.Errorf("unexpected remaining %v", status.Remaining)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("expected 1 active ban, got %d", r.ActiveCount())
	}
}

func TestBlockExtendsInPlace(t *testing.T) {
	r := testRegistry(t)

	r.Block("1.2.3.4", time.Minute, "first", SourceAuto)
	r.Block("1.2.3.4", time.Hour, "second", SourceAdmin)

	status := r.Status("1.2.3.4")
	if status.Reason != "second" {
		t.Errorf("expected reason updated, got %q", status.Reason)
	}
	if status.Remaining < 50*time.Minute {
		t.Errorf("expected extended duration, got %v", status.Remaining)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("expected single entry, got %d", r.ActiveCount())
	}
}

func TestUnblock(t *testing.T) {
	r := testRegistry(t)

	r.Block("1.2.3.4", time.Hour, "test", SourceAdmin)
	r.Unblock("1.2.3.4")

	if r.Status("1.2.3.4").Blocked {
		t.Error("expected client unblocked")
	}
	if r.ActiveCount() != 0 {
		t.Errorf("expected 0 active bans, got %d", r.ActiveCount())
	}
}

func TestExpiredBlockEvictedOnRead(t *testing.T) {
	r := testRegistry(t)

	r.Block("1.2.3.4", 30*time.Millisecond, "short", SourceAuto)
	time.Sleep(60 * time.Millisecond)

	if r.Status("1.2.3.4").Blocked {
		t.Error("expected expired block to read as unblocked")
	}
	if r.ActiveCount() != 0 {
		t.Errorf("expected lazy eviction, got %d entries", r.ActiveCount())
	}
}

func TestPruneExpired(t *testing.T) {
	r := testRegistry(t)

	r.Block("1.1.1.1", 30*time.Millisecond, "short", SourceAuto)
	r.Block("2.2.2.2", time.Hour, "long", SourceAuto)
	time.Sleep(60 * time.Millisecond)

	pruned := r.PruneExpired()
	if pruned != 1 {
		t.Errorf("expected 1 pruned entry, got %d", pruned)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", r.ActiveCount())
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	durable, err := storage.OpenDurableStore(dir)
	if err != nil {
		t.Fatalf("OpenDurableStore failed: %v", err)
	}

	r, err := Open(durable, nil, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	r.Block("1.2.3.4", time.Hour, "persisted ban", SourceAdmin)
	durable.Close()

	durable2, err := storage.OpenDurableStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer durable2.Close()

	r2, err := Open(durable2, nil, testLogger())
	if err != nil {
		t.Fatalf("Open after restart failed: %v", err)
	}
	status := r2.Status("1.2.3.4")
	if !status.Blocked {
		t.Fatal("expected block to survive restart")
	}
	if status.Reason != "persisted ban" {
		t.Errorf("expected reason preserved, got %q", status.Reason)
	}
}
