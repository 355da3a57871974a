package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quay/quay-sub006/configuration"
	"github.com/quay/quay-sub006/registry/storage/cache"
	"github.com/quay/quay-sub006/registry/storage/cache/metrics"
)

const keyPrefix = "registry::cache::"

// redisCache provides an implementation of cache.Cache based on redis. Every entry is a plain string key with an
// expiry set at write time, so redis takes care of eviction.
type redisCache struct {
	client redis.UniversalClient
}

// NewRedisCache returns a new redis-based cache.Cache using the provided redis client.
func NewRedisCache(client redis.UniversalClient) cache.Cache {
	return metrics.NewPrometheusCache(&redisCache{client: client}, "redis")
}

// NewClient builds a redis client from configuration.
func NewClient(cfg configuration.Redis) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.Pool.Size,
		MaxConnAge:   cfg.Pool.MaxLifetime,
		IdleTimeout:  cfg.Pool.IdleTimeout,
	})
}

func (rc *redisCache) key(k string) string {
	return keyPrefix + k
}

// Get retrieves a value, a missing key is a miss and not an error.
func (rc *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := rc.client.Get(ctx, rc.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return b, true, nil
}

// Set stores value under key, expiring after ttl.
func (rc *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := rc.client.Set(ctx, rc.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (rc *redisCache) Delete(ctx context.Context, key string) error {
	if err := rc.client.Del(ctx, rc.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
