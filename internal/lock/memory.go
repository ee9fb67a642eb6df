package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]*entry
	seq  uint64
	now  func() time.Time
}

type entry struct {
	token    uint64
	expires  time.Time
	released chan struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]*entry), now: time.Now}
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	for {
		m.mu.Lock()
		now := m.now()
		cur, ok := m.held[key]
		if !ok || !now.Before(cur.expires) {
			if ok {
				// holder never released; wake anyone still waiting on it
				close(cur.released)
			}
			m.seq++
			e := &entry{token: m.seq, expires: now.Add(ttl), released: make(chan struct{})}
			m.held[key] = e
			m.mu.Unlock()
			return &memoryLease{m: m, key: key, token: e.token}, nil
		}
		wait, remaining := cur.released, cur.expires.Sub(now)
		m.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		}
		timer.Stop()
	}
}

// Held reports whether key is currently locked and unexpired.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[key]
	return ok && m.now().Before(cur.expires)
}

func (m *Memory) release(key string, token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[key]
	if !ok || cur.token != token {
		return
	}
	delete(m.held, key)
	close(cur.released)
}

type memoryLease struct {
	m     *Memory
	key   string
	token uint64
	once  sync.Once
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() { l.m.release(l.key, l.token) })
	return nil
}
