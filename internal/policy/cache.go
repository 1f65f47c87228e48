package policy

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a snapshot is served before re-fetching.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	snap      *Snapshot
	fetchedAt time.Time
}

// CachedSource memoizes snapshots per (user, project). Store errors are
// never cached and are returned to the caller.
type CachedSource struct {
	src SnapshotSource
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[userKey]*cacheEntry
}

// NewCachedSource wraps src with a TTL cache.
func NewCachedSource(src SnapshotSource, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{
		src:   src,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[userKey]*cacheEntry),
	}
}

// Snapshot returns a cached snapshot if fresh, otherwise fetches one.
func (c *CachedSource) Snapshot(ctx context.Context, userID, projectID string) (*Snapshot, error) {
	k := userKey{userID, projectID}
	now := c.now()

	c.mu.RLock()
	entry, ok := c.cache[k]
	c.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return entry.snap, nil
	}

	snap, err := c.src.Snapshot(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[k] = &cacheEntry{snap: snap, fetchedAt: now}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops every cached snapshot. Call after any policy write;
// a system change affects all users.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[userKey]*cacheEntry)
	c.mu.Unlock()
}

// SweepCache removes expired entries. Returns the number removed.
func (c *CachedSource) SweepCache() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, entry := range c.cache {
		if now.Sub(entry.fetchedAt) >= c.ttl {
			delete(c.cache, k)
			removed++
		}
	}
	return removed
}

var _ SnapshotSource = (*CachedSource)(nil)
