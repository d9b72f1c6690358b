package session

import (
	"testing"
	"time"

	"github.com/dobrevit/site-guard/pkg/storage"
)

func testGuard(t *testing.T, cfg GuardConfig) (*Guard, *[]time.Duration) {
	t.Helper()
	g := NewGuard(storage.NewMemoryBackend(), cfg, testLogger())

	var delays []time.Duration
	g.sleep = func(d time.Duration) { delays = append(delays, d) }
	return g, &delays
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	cfg := DefaultGuardConfig()
	g, _ := testGuard(t, cfg)

	for i := 1; i < cfg.MaxFailures; i++ {
		_, locked, _, err := g.RecordFailure("admin", "1.2.3.4")
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if locked {
			t.Fatalf("locked after only %d failures", i)
		}
	}

	_, locked, retryAfter, err := g.RecordFailure("admin", "1.2.3.4")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !locked {
		t.Fatal("expected lockout at max failures")
	}
	if retryAfter != cfg.LockDuration {
		t.Errorf("expected retry after %v, got %v", cfg.LockDuration, retryAfter)
	}

	isLocked, remaining, err := g.CheckLocked("admin", "1.2.3.4")
	if err != nil {
		t.Fatalf("CheckLocked failed: %v", err)
	}
	if !isLocked {
		t.Fatal("expected CheckLocked to report lock")
	}
	if remaining <= 0 || remaining > cfg.LockDuration {
		t.Errorf("unexpected remaining %v", remaining)
	}
}

func TestEscalatingDelays(t *testing.T) {
	cfg := DefaultGuardConfig()
	g, delays := testGuard(t, cfg)

	for i := 0; i < 8; i++ {
		g.RecordFailure("admin", "1.2.3.4")
	}

	expected := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		1500 * time.Millisecond,
		2 * time.Second,
		2500 * time.Millisecond,
		3 * time.Second,
		3 * time.Second,
		3 * time.Second,
	}
	if len(*delays) != len(expected) {
		t.Fatalf("expected %d delays, got %d", len(expected), len(*delays))
	}
	for i, want := range expected {
		if (*delays)[i] != want {
			t.Errorf("failure %d: expected delay %v, got %v", i+1, want, (*delays)[i])
		}
	}
}

func TestSuccessClearsFailures(t *testing.T) {
	cfg := DefaultGuardConfig()
	g, _ := testGuard(t, cfg)

	for i := 0; i < cfg.MaxFailures-1; i++ {
		g.RecordFailure("admin", "1.2.3.4")
	}
	if err := g.RecordSuccess("admin", "1.2.3.4"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	delay, locked, _, err := g.RecordFailure("admin", "1.2.3.4")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if locked {
		t.Error("expected fresh count after success")
	}
	if delay != cfg.BaseDelay {
		t.Errorf("expected first-failure delay %v, got %v", cfg.BaseDelay, delay)
	}
}

func TestWindowResetStartsFreshCount(t *testing.T) {
	cfg := GuardConfig{
		MaxFailures:  3,
		LockWindow:   50 * time.Millisecond,
		LockDuration: time.Minute,
		BaseDelay:    time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}
	g, _ := testGuard(t, cfg)

	g.RecordFailure("admin", "1.2.3.4")
	g.RecordFailure("admin", "1.2.3.4")
	time.Sleep(80 * time.Millisecond)

	_, locked, _, err := g.RecordFailure("admin", "1.2.3.4")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if locked {
		t.Error("expected failures outside the window to reset the count")
	}
}

func TestPairsTrackedIndependently(t *testing.T) {
	cfg := DefaultGuardConfig()
	g, _ := testGuard(t, cfg)

	for i := 0; i < cfg.MaxFailures; i++ {
		g.RecordFailure("admin", "1.2.3.4")
	}

	if locked, _, _ := g.CheckLocked("admin", "5.6.7.8"); locked {
		t.Error("expected same user from other address unlocked")
	}
	if locked, _, _ := g.CheckLocked("other", "1.2.3.4"); locked {
		t.Error("expected other user from same address unlocked")
	}
	if locked, _, _ := g.CheckLocked("admin", "1.2.3.4"); !locked {
		t.Error("expected offending pair locked")
	}
}
