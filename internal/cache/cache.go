package cache

import (
	"context"
	"sync"
	"time"

	"github.com/spreadrun/spreadrun/internal/engine"
)

// InMemoryCache is a concurrent-safe in-process progress snapshot cache
// with per-entry expiry.
type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	snapshot *engine.ProgressSnapshot
	expires  time.Time
}

// NewInMemoryCache creates and returns a new InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]entry),
	}
}

// Put stores a snapshot under its batch id until the TTL elapses.
func (c *InMemoryCache) Put(ctx context.Context, snapshot *engine.ProgressSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[snapshot.BatchID] = entry{snapshot: snapshot, expires: time.Now().Add(ttl)}
	return nil
}

// Get retrieves the snapshot for a batch, or nil when absent or expired.
func (c *InMemoryCache) Get(ctx context.Context, batchID string) (*engine.ProgressSnapshot, error) {
	c.mu.RLock()
	item, found := c.items[batchID]
	c.mu.RUnlock()
	if !found {
		return nil, nil
	}
	if time.Now().After(item.expires) {
		c.mu.Lock()
		// Re-check under the write lock; a fresher entry may have landed.
		if cur, ok := c.items[batchID]; ok && time.Now().After(cur.expires) {
			delete(c.items, batchID)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return item.snapshot, nil
}

// Delete removes a batch's snapshot.
func (c *InMemoryCache) Delete(ctx context.Context, batchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, batchID)
	return nil
}
