package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/syncd/internal/models"
)

const pullCachePrefix = "pull:"

// RedisPullCache keeps recent pull responses for a few seconds so a device
// re-polling with the same cursor gets the identical batch without hitting
// the change log. The TTL is bounded and configured at construction, never
// a hidden process-global.
type RedisPullCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPullCache(client *redis.Client, ttl time.Duration) *RedisPullCache {
	return &RedisPullCache{client: client, ttl: ttl}
}

func (c *RedisPullCache) Get(ctx context.Context, key string) (*models.PullResult, bool, error) {
	data, err := c.client.Get(ctx, pullCachePrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached pull: %w", err)
	}

	var result models.PullResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached pull: %w", err)
	}
	return &result, true, nil
}

func (c *RedisPullCache) Set(ctx context.Context, key string, result *models.PullResult) error {
	if c.ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal pull result: %w", err)
	}
	if err := c.client.Set(ctx, pullCachePrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache pull result: %w", err)
	}
	return nil
}
