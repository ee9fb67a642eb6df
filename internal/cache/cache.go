package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"vanityhub/ledger/internal/display"
	"vanityhub/ledger/internal/domain"
)

// ProjectionCache stores display breakdowns. Keys embed updatedAt, so an
// enriched sale never hits a stale entry.
type ProjectionCache interface {
	Get(ctx context.Context, key string) (*display.Breakdown, bool, error)
	Set(ctx context.Context, key string, value *display.Breakdown, ttl time.Duration) error
}

func Key(e domain.LedgerEvent) string {
	return "ledger:display:" + e.ID + ":" + strconv.FormatInt(e.UpdatedAt.UnixNano(), 10)
}

type NoopProjectionCache struct{}

func (NoopProjectionCache) Get(_ context.Context, _ string) (*display.Breakdown, bool, error) {
	return nil, false, nil
}

func (NoopProjectionCache) Set(_ context.Context, _ string, _ *display.Breakdown, _ time.Duration) error {
	return nil
}

// MemoryProjectionCache is an in-process cache with per-entry expiry.
type MemoryProjectionCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   display.Breakdown
	expires time.Time
}

func NewMemoryProjectionCache() *MemoryProjectionCache {
	return &MemoryProjectionCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryProjectionCache) Get(_ context.Context, key string) (*display.Breakdown, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	v := e.value
	return &v, true, nil
}

func (c *MemoryProjectionCache) Set(_ context.Context, key string, value *display.Breakdown, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: *value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}
