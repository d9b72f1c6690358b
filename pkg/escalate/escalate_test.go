package escalate

import (
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

func testSetup(t *testing.T, threshold int) (*Escalator, *blocklist.Registry) {
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

	esc := New(Config{
		KeyPrefix:   "vio:test:",
		Threshold:   threshold,
		Window:      10 * time.Minute,
		BanDuration: time.Hour,
		BanReason:   "repeated violations",
	}, storage.NewMemoryBackend(), registry, nil, testLogger())

	return esc, registry
}

func TestEscalatesAtThreshold(t *testing.T) {
	esc, registry := testSetup(t, 3)

	for i := 1; i <= 2; i++ {
		count, err := esc.RegisterViolation("1.2.3.4")
		if err != nil {
			t.Fatalf("RegisterViolation failed: %v", err)
		}
		if count != i {
			t.Errorf("expected count %d, got %d", i, count)
		}
		if registry.Status("1.2.3.4").Blocked {
			t.Fatalf("blocked after only %d violations", i)
		}
	}

	if _, err := esc.RegisterViolation("1.2.3.4"); err != nil {
		t.Fatalf("RegisterViolation failed: %v", err)
	}

	status := registry.Status("1.2.3.4")
	if !status.Blocked {
		t.Fatal("expected block at threshold")
	}
	if status.Reason != "repeated violations" {
		t.Errorf("unexpected reason %q", status.Reason)
	}
}

func TestCounterResetsAfterEscalation(t *testing.T) {
	esc, _ := testSetup(t, 2)

	esc.RegisterViolation("1.2.3.4")
	esc.RegisterViolation("1.2.3.4")

	// The record was cleared when the block fired; the next violation starts
	// a fresh count instead of re-blocking immediately.
	count, err := esc.RegisterViolation("1.2.3.4")
	if err != nil {
		t.Fatalf("RegisterViolation failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected fresh count 1 after escalation, got %d", count)
	}
}

func TestClientsTrackedIndependently(t *testing.T) {
	esc, registry := testSetup(t, 2)

	esc.RegisterViolation("1.1.1.1")
	esc.RegisterViolation("2.2.2.2")

	if registry.Status("1.1.1.1").Blocked || registry.Status("2.2.2.2").Blocked {
		t.Error("expected no blocks with one violation each")
	}

	esc.RegisterViolation("1.1.1.1")
	if !registry.Status("1.1.1.1").Blocked {
		t.Error("expected first client blocked")
	}
	if registry.Status("2.2.2.2").Blocked {
		t.Error("expected second client unaffected")
	}
}
