package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vanityhub/ledger/internal/lock"
)

const (
	defaultLockTTL   = 10 * time.Minute
	defaultLockProbe = 100 * time.Millisecond
)

// Lock coordinates exclusive scheduled runs across processes.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockerLock adapts an identity Locker into a try-once scheduler lock: if
// another process holds the key, the cycle is skipped.
type LockerLock struct {
	locker lock.Locker
	key    string
	ttl    time.Duration
	probe  time.Duration
	lease  lock.Lease
}

func NewLockerLock(locker lock.Locker, key string, ttl time.Duration) (*LockerLock, error) {
	if locker == nil {
		return nil, errors.New("locker required for cron lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &LockerLock{locker: locker, key: key, ttl: ttl, probe: defaultLockProbe}, nil
}

func (l *LockerLock) Acquire(ctx context.Context) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, l.probe)
	defer cancel()
	lease, err := l.locker.Acquire(probeCtx, l.key, l.ttl)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) && ctx.Err() == nil {
			return false, nil
		}
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	l.lease = lease
	return true, nil
}

func (l *LockerLock) Release(ctx context.Context) error {
	if l.lease == nil {
		return nil
	}
	err := l.lease.Release(ctx)
	l.lease = nil
	return err
}
