package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisChannel publishes envelopes on a Redis pub/sub channel.
type RedisChannel struct {
	client  redisPublisher
	channel string
}

func NewRedisChannel(client redisPublisher, channel string) *RedisChannel {
	if channel == "" {
		channel = "ledger:events"
	}
	return &RedisChannel{client: client, channel: channel}
}

func (r *RedisChannel) Publish(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, value).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
