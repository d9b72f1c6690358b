package appeal

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/pkg/blocklist"
	"github.com/dobrevit/site-guard/pkg/storage"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func testWorkflow(t *testing.T) (*Workflow, *blocklist.Registry) {
	t.Helper()
	durable, err := storage.OpenDurableStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDurableStore failed: %v", err)
	}
	t.Cleanup(func() { durable.Close() })

	registry, err := blocklist.Open(durable, nil, testLogger())
	if err != nil {
		t.Fatalf("blocklist.Open failed: %v", err)
	}

	w := New(DefaultConfig(), durable, registry, nil, nil, testLogger())
	return w, registry
}

func TestSubmitRequiresBlock(t *testing.T) {
	w, _ := testWorkflow(t)

	_, err := w.Submit(context.Background(), "1.2.3.4", "please reconsider this", "", "")
	if !errors.Is(err, ErrNotBlocked) {
		t.Fatalf("expected ErrNotBlocked, got %v", err)
	}
}

func TestSubmitRequiresMinimumMessage(t *testing.T) {
	w, registry := testWorkflow(t)
	registry.Block("1.2.3.4", time.Hour, "test block", blocklist.SourceAuto)

	_, err := w.Submit(context.Background(), "1.2.3.4", "short", "", "")
	if !errors.Is(err, ErrMessageTooShort) {
		t.Fatalf("expected ErrMessageTooShort, got %v", err)
	}
}

func TestSubmitCountsMessageRunes(t *testing.T) {
	w, registry := testWorkflow(t)
	registry.Block("1.2.3.4", time.Hour, "test block", blocklist.SourceAuto)

	// Five characters, fifteen bytes. A byte count would accept this.
	_, err := w.Submit(context.Background(), "1.2.3.4", "誤解です。", "", "")
	if !errors.Is(err, ErrMessageTooShort) {
		t.Fatalf("expected ErrMessageTooShort for short multibyte message, got %v", err)
	}

	if _, err := w.Submit(context.Background(), "1.2.3.4", "これは誤検出だと思います", "", ""); err != nil {
		t.Fatalf("Submit failed for adequate multibyte message: %v", err)
	}
}

func TestSubmitSnapshotsBlockState(t *testing.T) {
	w, registry := testWorkflow(t)
	registry.Block("1.2.3.4", time.Hour, "repeated threat detections", blocklist.SourceAuto)

	rec, err := w.Submit(context.Background(), "1.2.3.4", "this was a false positive", "me@example.com", "Mozilla/5.0")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected generated id")
	}
	if rec.Status != StatusPending {
		t.Errorf("expected pending status, got %s", rec.Status)
	}
	if rec.Reason != "repeated threat detections" {
		t.Errorf("expected block reason snapshotted, got %q", rec.Reason)
	}
	if rec.Contact != "me@example.com" {
		t.Errorf("expected contact stored, got %q", rec.Contact)
	}
}

func TestSubmitEnforcesInterval(t *testing.T) {
	w, registry := testWorkflow(t)
	registry.Block("1.2.3.4", 48*time.Hour, "test block", blocklist.SourceAuto)

	if _, err := w.Submit(context.Background(), "1.2.3.4", "first appeal message", "", ""); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	_, err := w.Submit(context.Background(), "1.2.3.4", "second appeal message", "", "")
	if !errors.Is(err, ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon, got %v", err)
	}
}

func TestDecideUnblock(t *testing.T) {
	w, registry := testWorkflow(t)
	registry.Block("1.2.3.4", time.Hour, "test block", blocklist.SourceAuto)

	rec, err := w.Submit(context.Background(), "1.2.3.4", "please lift this block", "", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	resolved, err := w.Decide(rec.ID, DecisionUnblock, "verified legitimate", "admin")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.Decision != DecisionUnblock {
		t.Errorf("unexpected resolution %+v", resolved)
	}
	if registry.Status("1.2.3.4").Blocked {
		t.Error("expected block lifted")
	}
}

func TestDecideKeepReassertsLapsedBlock(t *testing.T) {
	w, registry := testWorkflow(t)
	registry.Block("1.2.3.4", 40*time.Millisecond, "test block", blocklist.SourceAuto)

	rec, err := w.Submit(context.Background(), "1.2.3.4", "please lift this block", "", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Let the original block lapse before the operator gets to it.
	time.Sleep(70 * time.Millisecond)
	if registry.Status("1.2.3.4").Blocked {
		t.Fatal("expected block to have lapsed")
	}

	if _, err := w.Decide(rec.ID, DecisionKeep, "abuse confirmed", "admin"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !registry.Status("1.2.3.4").Blocked {
		t.Error("expected keep decision to re-assert the block")
	}
}

func TestDecideExactlyOnce(t *testing.T) {
	w, registry := testWorkflow(t)
	registry.Block("1.2.3.4", time.Hour, "test block", blocklist.SourceAuto)

	rec, err := w.Submit(context.Background(), "1.2.3.4", "please lift this block", "", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := w.Decide(rec.ID, DecisionUnblock, "", "admin"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	_, err = w.Decide(rec.ID, DecisionKeep, "", "admin")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestDecideValidation(t *testing.T) {
	w, _ := testWorkflow(t)

	if _, err := w.Decide("missing", "flip", "", "admin"); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
	if _, err := w.Decide("missing", DecisionUnblock, "", "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
