// Package store persists function metadata and sealed secrets. Postgres is
// the durable store; an optional Redis look-aside cache fronts the hot
// by-name lookup on the invoke path.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oriys/quasar/internal/domain"
)

var (
	// ErrFunctionNotFound maps to 404 on the control plane.
	ErrFunctionNotFound = errors.New("function not found")
	// ErrSecretNotFound is returned for lookups of unset secrets.
	ErrSecretNotFound = errors.New("secret not found")
)

// MetadataStore is the durable metadata store (functions and secrets).
// Functions are addressed by name, matching the invoke API.
type MetadataStore interface {
	Close() error
	Ping(ctx context.Context) error

	SaveFunction(ctx context.Context, fn *domain.Function) error
	GetFunctionByName(ctx context.Context, name string) (*domain.Function, error)
	DeleteFunction(ctx context.Context, name string) error
	ListFunctions(ctx context.Context) ([]*domain.Function, error)

	// Secret values arrive already sealed; the store never sees plaintext.
	SaveSecret(ctx context.Context, name, encryptedValue string) error
	GetSecret(ctx context.Context, name string) (string, error)
	DeleteSecret(ctx context.Context, name string) error
	ListSecrets(ctx context.Context) (map[string]string, error)
}

// Store bundles the durable store with the optional cache so the daemon has
// a single handle to wire and close. With a nil cache client reads go
// straight to Postgres and ttl is ignored.
type Store struct {
	MetadataStore
	cache *redis.Client
}

func New(meta MetadataStore, cache *redis.Client, ttl time.Duration) *Store {
	s := &Store{MetadataStore: meta, cache: cache}
	if cache != nil {
		s.MetadataStore = NewCachedStore(meta, cache, ttl)
	}
	return s
}

// PingCache checks the cache connection. Without a cache configured it
// reports healthy; cache loss degrades latency, not correctness.
func (s *Store) PingCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx).Err()
}

func (s *Store) Close() error {
	var firstErr error
	if s.cache != nil {
		firstErr = s.cache.Close()
	}
	if err := s.MetadataStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
