// Package session implements admin session issuance/validation and the
// brute-force login guard.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/dobrevit/site-guard/pkg/storage"
)

// DefaultLifetime is the fixed session lifetime.
const DefaultLifetime = 8 * time.Hour

const tokenBytes = 32

// Store issues and validates opaque session tokens. The transport mechanism
// (cookie or header) is a pipeline concern, not a store concern.
type Store struct {
	backend  storage.Backend
	lifetime time.Duration
	logger   *log.Logger
}

// NewStore creates a session store.
func NewStore(backend storage.Backend, lifetime time.Duration, logger *log.Logger) *Store {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{backend: backend, lifetime: lifetime, logger: logger}
}

// Issue creates a session for subject and returns the opaque token.
func (s *Store) Issue(subject, clientIP, userAgent string) (string, *storage.Session, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	sess := storage.Session{
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
		ClientIP:  clientIP,
		UserAgent: userAgent,
	}
	if err := s.backend.PutSession(token, sess, s.lifetime); err != nil {
		return "", nil, fmt.Errorf("failed to store session: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"subject": subject,
		"client":  clientIP,
		"expires": sess.ExpiresAt,
	}).Info("Session issued")

	return token, &sess, nil
}

// Validate returns the session for token, or nil when the token is unknown
// or expired. Expired sessions are deleted on read.
func (s *Store) Validate(token string) (*storage.Session, error) {
	if token == "" {
		return nil, nil
	}
	return s.backend.GetSession(token)
}

// Revoke deletes a session explicitly (logout).
func (s *Store) Revoke(token string) error {
	return s.backend.DeleteSession(token)
}

// Lifetime returns the configured session lifetime.
func (s *Store) Lifetime() time.Duration {
	return s.lifetime
}

// Credentials is the configured admin identity. The hash is a standard
// bcrypt digest; its derivation is outside this package.
type Credentials struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"passwordHash"`
}

// Verify checks a username/password pair against the configured credentials.
// The username comparison is constant time so probing cannot distinguish
// unknown users from wrong passwords.
func (c Credentials) Verify(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(c.Username), []byte(username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}
