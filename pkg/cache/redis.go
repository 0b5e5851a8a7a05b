// Package cache is the Redis layer: cached stats aggregates and the
// cross-instance locks around payouts and scheduled jobs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key so the instance can share a Redis database.
const KeyPrefix = "partnerhub:"

// Client holds the Redis client
type Client struct {
	Redis *redis.Client
}

// NewClient parses redisURL and checks the server answers within 5s.
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}
	c := &Client{Redis: redis.NewClient(opts)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		c.Redis.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	log.Printf("✅ Redis connected (db %d)", opts.DB)
	return c, nil
}

func (c *Client) Close() error {
	return c.Redis.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Redis.Ping(ctx).Err()
}

// GetJSON decodes the value at key into dst. It reports false on a miss.
// An undecodable entry is deleted and treated as a miss.
func (c *Client) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.Redis.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Printf("⚠️  Discarding unreadable cache entry %s: %v", key, err)
		_ = c.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON stores v at key for ttl.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Redis.Set(ctx, KeyPrefix+key, raw, ttl).Err()
}

// Delete removes keys in a single round trip.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = KeyPrefix + k
	}
	return c.Redis.Del(ctx, full...).Err()
}
