package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when the cart is not in the cache.
var ErrCacheMiss = errors.New("cart not in cache")

// Cache is a read-through cache keyed by cart owner.
type Cache interface {
	Get(ctx context.Context, ownerKey string) (*Cart, error)
	Set(ctx context.Context, ownerKey string, c *Cart) error
	Invalidate(ctx context.Context, ownerKey string) error
}

// RedisCache caches cart documents in Redis with a jittered TTL so a burst of
// carts created together does not expire together.
type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

// NewRedisCache creates a new RedisCache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: 15 * time.Minute,
	}
}

func cacheKey(ownerKey string) string {
	return "cart:" + ownerKey
}

// Get returns the cached cart or ErrCacheMiss.
func (r *RedisCache) Get(ctx context.Context, ownerKey string) (*Cart, error) {
	data, err := r.client.Get(ctx, cacheKey(ownerKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cart from cache: %w", err)
	}
	var c Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode cached cart: %w", err)
	}
	return &c, nil
}

// Set stores the cart with a jittered TTL.
func (r *RedisCache) Set(ctx context.Context, ownerKey string, c *Cart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode cart for cache: %w", err)
	}
	jitter := time.Duration(rand.Int63n(int64(r.baseTTL) / 10))
	return r.client.Set(ctx, cacheKey(ownerKey), data, r.baseTTL+jitter).Err()
}

// Invalidate drops the cached cart after a write.
func (r *RedisCache) Invalidate(ctx context.Context, ownerKey string) error {
	return r.client.Del(ctx, cacheKey(ownerKey)).Err()
}

// NoopCache satisfies Cache when Redis is not configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*Cart, error) { return nil, ErrCacheMiss }
func (NoopCache) Set(context.Context, string, *Cart) error   { return nil }
func (NoopCache) Invalidate(context.Context, string) error   { return nil }
