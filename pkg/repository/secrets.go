package repository

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dtc-ops/imageprep/pkg/errors"
)

// SecretStore persists one secret per scope as a 0600 file under dir.
// A stored secret was either generated by this system at repository creation
// or confirmed by the operator on re-entry; nothing else writes here.
type SecretStore struct {
	dir string
}

// NewSecretStore creates the store, making dir if needed.
func NewSecretStore(dir string) (*SecretStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "secret dir creation failed")
	}
	return &SecretStore{dir: dir}, nil
}

// Get returns the cached secret for a scope, or "" when none is cached.
func (s *SecretStore) Get(scope Scope) (string, error) {
	data, err := os.ReadFile(s.path(scope))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "secret read failed")
	}
	return strings.TrimSpace(string(data)), nil
}

// Put caches a secret for a scope.
func (s *SecretStore) Put(scope Scope, secret string) error {
	if err := os.WriteFile(s.path(scope), []byte(secret+"\n"), 0o600); err != nil {
		return errors.Wrap(err, "secret write failed")
	}
	slog.Info("secret_cached", "scope", scope.ID(), "secret_prefix", Redact(secret))
	return nil
}

// Forget removes the cached secret for a scope.
func (s *SecretStore) Forget(scope Scope) error {
	err := os.Remove(s.path(scope))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *SecretStore) path(scope Scope) string {
	return filepath.Join(s.dir, scope.ID()+".secret")
}

// GenerateSecret returns a new high-entropy repository secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "entropy source failed")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Redact returns the loggable form of a secret: an 8-character prefix.
// A secret is never logged in full.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:8] + "…"
}
