package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

var (
	ErrDuplicateKey = errors.New("identity already registered")
	ErrUnknownKey   = errors.New("identity not registered")
)

// KeyRecord holds one principal's registered identity material.
type KeyRecord struct {
	Identity     string
	Principal    string
	Role         string
	Secret       []byte
	Status       string
	RegisteredAt time.Time
}

// KeyStore is the registered-key table. Re-registering an existing
// identity fails rather than overwriting, and revoking an unknown or
// already-revoked identity fails rather than silently succeeding.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]KeyRecord
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: map[string]KeyRecord{}}
}

func (s *KeyStore) Register(rec KeyRecord) error {
	identity := strings.TrimSpace(rec.Identity)
	if identity == "" {
		return errors.New("identity required")
	}
	if len(rec.Secret) == 0 {
		return errors.New("secret required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[identity]; exists {
		return fmt.Errorf("register %q: %w", identity, ErrDuplicateKey)
	}
	rec.Identity = identity
	rec.Status = StatusActive
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	s.keys[identity] = rec
	return nil
}

func (s *KeyStore) Revoke(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.keys[identity]
	if !exists || rec.Status != StatusActive {
		return fmt.Errorf("revoke %q: %w", identity, ErrUnknownKey)
	}
	rec.Status = StatusRevoked
	s.keys[identity] = rec
	return nil
}

// Get returns the active record for an identity.
func (s *KeyStore) Get(identity string) (KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, exists := s.keys[identity]
	if !exists || rec.Status != StatusActive {
		return KeyRecord{}, false
	}
	return rec, true
}

// SecretForPrincipal returns the signing secret of the principal's
// active key, so proof signatures verify against the same material as
// authentication signatures.
func (s *KeyStore) SecretForPrincipal(principal string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.keys {
		if rec.Status == StatusActive && rec.Principal == principal {
			return rec.Secret, true
		}
	}
	return nil, false
}

// List returns active identities in stable order.
func (s *KeyStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for identity, rec := range s.keys {
		if rec.Status == StatusActive {
			out = append(out, identity)
		}
	}
	sort.Strings(out)
	return out
}
