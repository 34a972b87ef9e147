// Package cache is a Redis-backed JSON cache for repository status payloads.
// An empty address disables it; every operation is then a no-op miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"repohealth/logger"
)

const keyPrefix = "repohealth:status:"

// DefaultTTL bounds how long a status payload may be served after it was
// cached when nothing invalidates it.
const DefaultTTL = 30 * time.Second

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache wraps a Redis client with graceful degradation.
type Cache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// New connects to Redis. With an empty address it returns a disabled cache.
// When the ping fails it returns a disabled cache together with the error so
// callers can decide whether to continue without it.
func New(opts Options) (*Cache, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if opts.Addr == "" {
		logger.Info("Redis address not configured, status cache disabled")
		return &Cache{ttl: ttl}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("Redis ping failed, status cache disabled",
			zap.String("addr", opts.Addr),
			zap.Error(err))
		return &Cache{ttl: ttl}, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("Redis status cache connected", zap.String("addr", opts.Addr), zap.Duration("ttl", ttl))
	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, enabled: client != nil, ttl: ttl}
}

// Key returns the cache key of a normalized owner/name slug.
func Key(fullName string) string {
	return keyPrefix + fullName
}

// Enabled reports whether the cache talks to Redis.
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled
}

// Get decodes the cached payload of fullName into dst. It reports false on a
// miss or when the cache is disabled.
func (c *Cache) Get(ctx context.Context, fullName string, dst interface{}) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}

	data, err := c.client.Get(ctx, Key(fullName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cached status of %s: %w", fullName, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cached status of %s: %w", fullName, err)
	}
	return true, nil
}

// Set stores v as the payload of fullName.
func (c *Cache) Set(ctx context.Context, fullName string, v interface{}) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode status of %s: %w", fullName, err)
	}
	if err := c.client.Set(ctx, Key(fullName), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache status of %s: %w", fullName, err)
	}
	return nil
}

// Invalidate drops the payload of fullName.
func (c *Cache) Invalidate(ctx context.Context, fullName string) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.client.Del(ctx, Key(fullName)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate status of %s: %w", fullName, err)
	}
	logger.Debug("Status cache invalidated", zap.String("repository", fullName))
	return nil
}

// HealthCheck pings Redis.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("redis is disabled")
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.Enabled() {
		return c.client.Close()
	}
	return nil
}
