package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache stores computed leaderboards. Implementations must be safe for
// concurrent use. A miss is (nil, false, nil).
//
// Each scope carries a generation counter. Bump advances it on every
// commit; a board stored under an older generation is stale.
type Cache interface {
	Get(ctx context.Context, key string) (*Leaderboard, bool, error)
	Set(ctx context.Context, key string, lb *Leaderboard, ttl time.Duration) error
	Generation(ctx context.Context, scope string) (int64, error)
	Bump(ctx context.Context, scope string) error
}

func generationKey(scope string) string { return "gen:" + scope }

// MemoryCache is a process-local Cache backed by go-cache.
type MemoryCache struct {
	c *cache.Cache
}

// NewMemoryCache creates a cache whose expired entries are swept every
// cleanup interval.
func NewMemoryCache(cleanup time.Duration) *MemoryCache {
	return &MemoryCache{c: cache.New(cache.NoExpiration, cleanup)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Leaderboard, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.(*Leaderboard), true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, lb *Leaderboard, ttl time.Duration) error {
	m.c.Set(key, lb, ttl)
	return nil
}

func (m *MemoryCache) Generation(_ context.Context, scope string) (int64, error) {
	v, ok := m.c.Get(generationKey(scope))
	if !ok {
		return 0, nil
	}
	return v.(int64), nil
}

func (m *MemoryCache) Bump(_ context.Context, scope string) error {
	k := generationKey(scope)
	// Add is a no-op when the counter exists; Increment is atomic.
	_ = m.c.Add(k, int64(0), cache.NoExpiration)
	_, err := m.c.IncrementInt64(k, 1)
	return err
}

// RedisCache shares leaderboards, and their invalidation, across every
// instance pointed at the same Redis.
type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisCache creates a Redis-backed cache. Keys are namespaced by prefix.
func NewRedisCache(rdb redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "ledger:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*Leaderboard, bool, error) {
	data, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("valuation: redis get %s: %w", key, err)
	}
	var lb Leaderboard
	if err := json.Unmarshal(data, &lb); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, false, nil
	}
	return &lb, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, lb *Leaderboard, ttl time.Duration) error {
	data, err := json.Marshal(lb)
	if err != nil {
		return fmt.Errorf("valuation: encode leaderboard: %w", err)
	}
	if err := r.rdb.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("valuation: redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) Generation(ctx context.Context, scope string) (int64, error) {
	n, err := r.rdb.Get(ctx, r.prefix+generationKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("valuation: redis generation %s: %w", scope, err)
	}
	return n, nil
}

func (r *RedisCache) Bump(ctx context.Context, scope string) error {
	if err := r.rdb.Incr(ctx, r.prefix+generationKey(scope)).Err(); err != nil {
		return fmt.Errorf("valuation: redis incr %s: %w", scope, err)
	}
	return nil
}
