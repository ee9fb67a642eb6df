// Package lock provides short-lived, TTL-bounded locks keyed by booking
// identity. A lease that is never released expires on its own.
package lock

import (
	"context"
	"errors"
	"time"
)

const DefaultTTL = 5 * time.Second

var ErrNotAcquired = errors.New("lock not acquired")

type Locker interface {
	// Acquire blocks until key is free, its holder's TTL lapses, or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Key() string
	// Release is a no-op once the lease has expired and been taken over.
	Release(ctx context.Context) error
}
