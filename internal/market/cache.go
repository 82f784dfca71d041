package market

import (
	"context"
	"sync"
	"time"
)

type snapshotFetcher interface {
	FetchAll(ctx context.Context) Snapshot
}

// Cache keeps the most recent snapshot for ttl. Refresh is driven by the scheduler.
type Cache struct {
	source snapshotFetcher
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	last      Snapshot
	fetchedAt time.Time
}

// NewCache wraps a fetcher. A non-positive ttl disables caching.
func NewCache(source snapshotFetcher, ttl time.Duration) *Cache {
	return &Cache{source: source, ttl: ttl, now: time.Now}
}

// Snapshot returns the cached snapshot while fresh, otherwise fetches a new one.
func (c *Cache) Snapshot(ctx context.Context) Snapshot {
	if c.ttl > 0 {
		c.mu.RLock()
		fresh := !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
		last := c.last
		c.mu.RUnlock()
		if fresh {
			return last
		}
	}

	snap := c.source.FetchAll(ctx)
	c.store(snap)
	return snap
}

// Refresh 强制刷新缓存，签名与 scheduler.TickFunc 一致。
func (c *Cache) Refresh(ctx context.Context, _ time.Time) error {
	c.store(c.source.FetchAll(ctx))
	return nil
}

func (c *Cache) store(snap Snapshot) {
	c.mu.Lock()
	c.last = snap
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

var _ Provider = (*Cache)(nil)
