package notify

import (
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func TestLogAddAndRecent(t *testing.T) {
	l := NewLog(10, testLogger())

	first := l.Add(CategoryRateLimit, "Rate limit exceeded", "rule default", "1.2.3.4", nil)
	second := l.Add(CategoryBlock, "IP blocked", "escalation", "1.2.3.4", nil)

	if first == "" || second == "" || first == second {
		t.Fatalf("expected distinct generated ids, got %q and %q", first, second)
	}

	recent := l.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(recent))
	}
	if recent[0].ID != second || recent[1].ID != first {
		t.Error("expected newest-first ordering")
	}
}

func TestLogCapacityEviction(t *testing.T) {
	l := NewLog(3, testLogger())

	for i := 0; i < 5; i++ {
		l.Add(CategorySystem, fmt.Sprintf("event %d", i), "", "", nil)
	}

	if l.Len() != 3 {
		t.Fatalf("expected capacity 3, got %d", l.Len())
	}
	recent := l.Recent(3)
	if recent[0].Title != "event 4" || recent[2].Title != "event 2" {
		t.Errorf("expected oldest entries evicted, got %q..%q", recent[0].Title, recent[2].Title)
	}
}

func TestLogMarkRead(t *testing.T) {
	l := NewLog(10, testLogger())
	id := l.Add(CategoryLogin, "Login failed", "", "1.2.3.4", nil)

	if !l.MarkRead(id) {
		t.Error("expected MarkRead to find the entry")
	}
	if l.MarkRead("missing") {
		t.Error("expected MarkRead to report unknown id")
	}
	if !l.Recent(1)[0].Read {
		t.Error("expected entry flagged read")
	}
}

func TestLogFindByMetadata(t *testing.T) {
	l := NewLog(10, testLogger())
	l.Add(CategoryAppeal, "first", "", "1.2.3.4", map[string]string{"appealId": "a1"})
	l.Add(CategoryBlock, "unrelated", "", "1.2.3.4", nil)
	l.Add(CategoryAdmin, "second", "", "1.2.3.4", map[string]string{"appealId": "a1"})

	found := l.FindByMetadata("appealId", "a1")
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(found))
	}
	if found[0].Title != "second" || found[1].Title != "first" {
		t.Error("expected newest-first ordering")
	}
	if l.FindByMetadata("appealId", "missing") != nil {
		t.Error("expected no matches for unknown value")
	}
}

func TestLogSetMetadata(t *testing.T) {
	l := NewLog(10, testLogger())
	l.Add(CategoryAppeal, "Unban appeal submitted", "msg", "1.2.3.4", map[string]string{"appealId": "a1"})
	l.Add(CategoryAppeal, "Unban appeal submitted", "msg", "5.6.7.8", map[string]string{"appealId": "a2"})

	updated := l.SetMetadata("appealId", "a1", "resolved", "unblock")
	if updated != 1 {
		t.Fatalf("expected 1 updated entry, got %d", updated)
	}

	for _, n := range l.Recent(10) {
		if n.Metadata["appealId"] == "a1" && n.Metadata["resolved"] != "unblock" {
			t.Error("expected resolved metadata on matching entry")
		}
		if n.Metadata["appealId"] == "a2" && n.Metadata["resolved"] != "" {
			t.Error("expected non-matching entry untouched")
		}
	}
}
