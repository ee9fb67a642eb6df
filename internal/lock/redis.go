package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRetryInterval = 25 * time.Millisecond

// Store is the subset of Redis used by the lock.
type Store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

type clientStore struct {
	client redis.Cmdable
}

// FromClient adapts a go-redis client to Store.
func FromClient(client redis.Cmdable) Store {
	return clientStore{client: client}
}

func (s clientStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s clientStore) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

func (s clientStore) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// Redis is a Locker shared by every process talking to the same Redis.
type Redis struct {
	store  Store
	prefix string
	retry  time.Duration
}

func NewRedis(store Store, prefix string) (*Redis, error) {
	if store == nil {
		return nil, errors.New("redis store required for lock")
	}
	if prefix == "" {
		prefix = "ledger:lock:"
	}
	return &Redis{store: store, prefix: prefix, retry: defaultRetryInterval}, nil
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	full := r.prefix + key
	owner := uuid.NewString()
	for {
		ok, err := r.store.SetNX(ctx, full, owner, ttl)
		if err != nil {
			return nil, fmt.Errorf("setnx: %w", err)
		}
		if ok {
			return &redisLease{store: r.store, key: key, full: full, owner: owner}, nil
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}
}

type redisLease struct {
	store Store
	key   string
	full  string
	owner string
}

func (l *redisLease) Key() string { return l.key }

// Release frees the lock only if the owner value still matches.
func (l *redisLease) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	value, err := l.store.Get(ctx, l.full)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			l.owner = ""
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != l.owner {
		return nil
	}
	if err := l.store.Del(ctx, l.full); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	l.owner = ""
	return nil
}
