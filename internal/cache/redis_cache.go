package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vanityhub/ledger/internal/display"
)

type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

type RedisProjectionCache struct {
	client redisKV
}

func NewRedisProjectionCache(client redisKV) *RedisProjectionCache {
	return &RedisProjectionCache{client: client}
}

func (c *RedisProjectionCache) Get(ctx context.Context, key string) (*display.Breakdown, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var b display.Breakdown
	if err := json.Unmarshal([]byte(val), &b); err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

func (c *RedisProjectionCache) Set(ctx context.Context, key string, value *display.Breakdown, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
