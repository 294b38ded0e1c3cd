// Package cache wraps a Redis/DragonflyDB connection for the bridge's
// small cross-process signals: the device-registration renewal marker a
// companion process can observe without sharing the bridge's memory, and
// cached community metadata. Values are JSON with per-concern key prefixes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes, one per concern sharing the connection.
const (
	PrefixDeviceRenewal = "devicereg:renewal:"
	PrefixCommunityMeta = "community:meta:"
)

// Cache is a Redis-compatible client with JSON value encoding.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New parses redisURL (redis://host:port/db) and verifies connectivity.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing cache URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging cache: %w", err)
	}

	logger.Info("cache connection established", slog.String("addr", opts.Addr))
	return &Cache{client: client, logger: logger}, nil
}

// Set stores val as JSON under key with the given TTL. A zero TTL means no
// expiry.
func (c *Cache) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshaling cache value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Get reads key into dest, reporting whether the key existed.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decoding cache value for %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key; deleting an absent key is a no-op.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache health check: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Cache) Close() {
	if err := c.client.Close(); err != nil {
		c.logger.Warn("closing cache connection", slog.String("error", err.Error()))
	}
}

// RenewalMarker is the value stored under PrefixDeviceRenewal so another
// process sharing the cache can observe the last registry renewal without
// holding the bridge's in-memory waiter state.
type RenewalMarker struct {
	RenewedAt time.Time `json:"renewed_at"`
}
