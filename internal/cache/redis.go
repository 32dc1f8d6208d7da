// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// redisCache stores raw bytes in Redis and lets the server enforce TTLs.
type redisCache struct {
	client *redis.Client
	logger zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.Addr, err)
	}

	logger.Info().
		Str("event", "cache.redis_connected").
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("redis cache online")

	return &redisCache{client: client, logger: logger}, nil
}

// New picks the backend: Redis when an address is configured and
// reachable, in-memory otherwise. Cache trouble must never take the
// daemon down, so a failed connect degrades with a warning.
func New(cfg RedisConfig, logger zerolog.Logger) Cache {
	if cfg.Addr == "" {
		return NewMemory(time.Minute)
	}
	c, err := NewRedis(cfg, logger)
	if err != nil {
		logger.Warn().
			Str("event", "cache.redis_unavailable").
			Err(err).
			Msg("falling back to in-memory cache")
		return NewMemory(time.Minute)
	}
	return c
}

func (c *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

func (c *redisCache) Set(key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
		return
	}
	c.sets.Add(1)
}

func (c *redisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis delete failed")
	}
}

func (c *redisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.FlushDB(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis flush failed")
	}
}

func (c *redisCache) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	size, err := c.client.DBSize(ctx).Result()
	if err != nil {
		size = 0
	}
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		CurrentSize: int(size),
	}
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// Ping reports backend availability for readiness checks. The memory
// backend is always ready.
func Ping(ctx context.Context, c Cache) error {
	rc, ok := c.(*redisCache)
	if !ok {
		return nil
	}
	return rc.client.Ping(ctx).Err()
}
