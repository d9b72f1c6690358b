package session

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/dobrevit/site-guard/pkg/storage"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func TestIssueAndValidate(t *testing.T) {
	store := NewStore(storage.NewMemoryBackend(), time.Hour, testLogger())

	token, sess, err := store.Issue("admin", "1.2.3.4", "Mozilla/5.0")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if sess.Subject != "admin" || sess.ClientIP != "1.2.3.4" {
		t.Errorf("unexpected session %+v", sess)
	}

	got, err := store.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got == nil || got.Subject != "admin" {
		t.Fatalf("expected valid session, got %+v", got)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	store := NewStore(storage.NewMemoryBackend(), time.Hour, testLogger())

	got, err := store.Validate("bogus")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown token")
	}

	if got, _ := store.Validate(""); got != nil {
		t.Error("expected nil for empty token")
	}
}

func TestValidateExpiredSession(t *testing.T) {
	store := NewStore(storage.NewMemoryBackend(), 30*time.Millisecond, testLogger())

	token, _, err := store.Issue("admin", "1.2.3.4", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	got, err := store.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got != nil {
		t.Error("expected expired session to validate as nil")
	}
}

func TestRevoke(t *testing.T) {
	store := NewStore(storage.NewMemoryBackend(), time.Hour, testLogger())

	token, _, err := store.Issue("admin", "1.2.3.4", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := store.Revoke(token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if got, _ := store.Validate(token); got != nil {
		t.Error("expected nil after revocation")
	}
}

func TestTokensAreUnique(t *testing.T) {
	store := NewStore(storage.NewMemoryBackend(), time.Hour, testLogger())

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		token, _, err := store.Issue("admin", "1.2.3.4", "")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if seen[token] {
			t.Fatal("duplicate token issued")
		}
		seen[token] = true
	}
}

func TestCredentialsVerify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	creds := Credentials{Username: "admin", PasswordHash: string(hash)}

	if !creds.Verify("admin", "s3cret") {
		t.Error("expected valid credentials to verify")
	}
	if creds.Verify("admin", "wrong") {
		t.Error("expected wrong password rejected")
	}
	if creds.Verify("other", "s3cret") {
		t.Error("expected wrong username rejected")
	}
}
