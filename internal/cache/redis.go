package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spreadrun/spreadrun/internal/engine"
)

// progressKeyPrefix namespaces snapshot keys in a shared Redis.
const progressKeyPrefix = "spreadrun:progress:"

// RedisCache stores progress snapshots in Redis so read replicas of the
// enclosing application can serve progress without hitting Postgres.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a snapshot cache over an existing Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisCacheFromURL connects to Redis with the given URL and verifies
// the connection.
func NewRedisCacheFromURL(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// Put stores a snapshot under its batch id with the given TTL.
func (c *RedisCache) Put(ctx context.Context, snapshot *engine.ProgressSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, progressKeyPrefix+snapshot.BatchID, data, ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Get retrieves the snapshot for a batch, or nil when absent.
func (c *RedisCache) Get(ctx context.Context, batchID string) (*engine.ProgressSnapshot, error) {
	data, err := c.client.Get(ctx, progressKeyPrefix+batchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot engine.ProgressSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// Delete removes a batch's snapshot.
func (c *RedisCache) Delete(ctx context.Context, batchID string) error {
	return c.client.Del(ctx, progressKeyPrefix+batchID).Err()
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
