package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orbitgate/pkg/models"
	"orbitgate/pkg/store"
)

// ErrGrantNotFound reports revocation of a code path with no live
// grant. Revocation is deliberately not idempotent.
var ErrGrantNotFound = errors.New("grant not found")

// GrantStore is the per-code-path VerifiedAccess table. One current
// grant per key; a Put overwrites any previous grant for that path.
type GrantStore interface {
	Put(ctx context.Context, grant models.VerifiedAccess, ttl time.Duration) error
	Get(ctx context.Context, key string) (models.VerifiedAccess, bool, error)
	Delete(ctx context.Context, key string) error
}

// CacheGrantStore keeps grants in a TTL cache, in-memory by default or
// Redis-backed when grants must survive the process.
type CacheGrantStore struct {
	Cache  store.Cache
	Prefix string
}

func NewGrantStore(cache store.Cache) *CacheGrantStore {
	if cache == nil {
		cache = store.NewMemoryCache()
	}
	return &CacheGrantStore{Cache: cache, Prefix: "grant:"}
}

func (s *CacheGrantStore) Put(ctx context.Context, grant models.VerifiedAccess, ttl time.Duration) error {
	raw, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	key := models.GrantKey(grant.Orbit, grant.Path, grant.Function)
	return s.Cache.Set(ctx, s.Prefix+key, string(raw), ttl)
}

func (s *CacheGrantStore) Get(ctx context.Context, key string) (models.VerifiedAccess, bool, error) {
	raw, err := s.Cache.Get(ctx, s.Prefix+key)
	if errors.Is(err, store.ErrMiss) {
		return models.VerifiedAccess{}, false, nil
	}
	if err != nil {
		return models.VerifiedAccess{}, false, err
	}
	var grant models.VerifiedAccess
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return models.VerifiedAccess{}, false, fmt.Errorf("decode grant: %w", err)
	}
	return grant, true, nil
}

func (s *CacheGrantStore) Delete(ctx context.Context, key string) error {
	if _, err := s.Cache.Get(ctx, s.Prefix+key); errors.Is(err, store.ErrMiss) {
		return fmt.Errorf("revoke %q: %w", key, ErrGrantNotFound)
	} else if err != nil {
		return err
	}
	return s.Cache.Del(ctx, s.Prefix+key)
}
