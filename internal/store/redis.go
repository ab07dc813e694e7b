package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

const funcKeyPrefix = "quasar:func:"

// DefaultCacheTTL bounds staleness when an invalidation is lost (another
// node wrote, or the DEL failed).
const DefaultCacheTTL = 5 * time.Second

func funcKey(name string) string { return funcKeyPrefix + name }

func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// CachedStore fronts the by-name lookup on the invoke path with a Redis
// look-aside cache. Writes invalidate immediately; cache failures degrade to
// the underlying store rather than failing the request.
type CachedStore struct {
	MetadataStore

	client *redis.Client
	ttl    time.Duration
}

// NewCachedStore wraps underlying with a cache. Pass ttl <= 0 for the
// default.
func NewCachedStore(underlying MetadataStore, client *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{MetadataStore: underlying, client: client, ttl: ttl}
}

func (c *CachedStore) GetFunctionByName(ctx context.Context, name string) (*domain.Function, error) {
	data, err := c.client.Get(ctx, funcKey(name)).Bytes()
	if err == nil {
		var fn domain.Function
		if err := fn.UnmarshalBinary(data); err == nil {
			return &fn, nil
		}
		// Unreadable entry: drop it and fall through.
		c.client.Del(ctx, funcKey(name))
	} else if !errors.Is(err, redis.Nil) {
		logging.Op().Debug("function cache read failed", "function", name, "error", err)
	}

	fn, err := c.MetadataStore.GetFunctionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, funcKey(name), fn, c.ttl).Err(); err != nil {
		logging.Op().Debug("function cache write failed", "function", name, "error", err)
	}
	return fn, nil
}

func (c *CachedStore) SaveFunction(ctx context.Context, fn *domain.Function) error {
	if err := c.MetadataStore.SaveFunction(ctx, fn); err != nil {
		return err
	}
	c.invalidate(ctx, fn.Name)
	return nil
}

func (c *CachedStore) DeleteFunction(ctx context.Context, name string) error {
	if err := c.MetadataStore.DeleteFunction(ctx, name); err != nil {
		return err
	}
	c.invalidate(ctx, name)
	return nil
}

// invalidate is best effort: a lost DEL leaves a stale entry for at most ttl.
func (c *CachedStore) invalidate(ctx context.Context, name string) {
	if err := c.client.Del(ctx, funcKey(name)).Err(); err != nil {
		logging.Op().Warn("function cache invalidation failed", "function", name, "error", err)
	}
}
