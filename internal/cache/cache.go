// Package cache keeps recently resolved object attributes so repeated
// stat calls on a transfer session do not go back to the backend.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kenneth/vault-transfer/internal/storage"
)

// Entry is one cached attribute set.
type Entry struct {
	Attributes storage.Attributes
	ExpiresAt  time.Time
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache stores attributes by path.
type Cache interface {
	// Get retrieves cached attributes.
	Get(ctx context.Context, p storage.Path) (storage.Attributes, bool)

	// Set stores attributes. A zero ttl uses the default.
	Set(ctx context.Context, p storage.Path, attrs storage.Attributes, ttl time.Duration)

	// Invalidate removes p and every cached path below it.
	Invalidate(ctx context.Context, p storage.Path)

	// Clear clears all entries.
	Clear(ctx context.Context)

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type memoryCache struct {
	mu       sync.Mutex
	entries  map[storage.Path]*Entry
	maxItems int
	ttl      time.Duration
	stats    Stats
	now      func() time.Time
}

// NewMemoryCache creates an in-memory cache holding at most maxItems
// entries.
func NewMemoryCache(maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[storage.Path]*Entry),
		maxItems: maxItems,
		ttl:      defaultTTL,
		now:      time.Now,
	}
}

func (c *memoryCache) Get(_ context.Context, p storage.Path) (storage.Attributes, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[p]
	if !ok || entry.IsExpired(c.now()) {
		c.stats.Misses++
		return storage.Attributes{}, false
	}
	c.stats.Hits++
	return entry.Attributes, true
}

func (c *memoryCache) Set(_ context.Context, p storage.Path, attrs storage.Attributes, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}
	if ttl <= 0 || c.maxItems <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[p]; !ok && len(c.entries) >= c.maxItems {
		c.evictLocked()
	}
	c.entries[p] = &Entry{Attributes: attrs, ExpiresAt: c.now().Add(ttl)}
}

func (c *memoryCache) Invalidate(_ context.Context, p storage.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.Within(p) {
			delete(c.entries, key)
		}
	}
}

func (c *memoryCache) Clear(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[storage.Path]*Entry)
	c.stats = Stats{}
}

func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.entries)
	return stats
}

// evictLocked drops expired entries, then the entry closest to expiry if
// the cache is still full. Must be called with the lock held.
func (c *memoryCache) evictLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if entry.IsExpired(now) {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
	if len(c.entries) < c.maxItems {
		return
	}

	var oldest storage.Path
	var oldestAt time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.ExpiresAt.Before(oldestAt) {
			oldest, oldestAt, first = key, entry.ExpiresAt, false
		}
	}
	delete(c.entries, oldest)
	c.stats.Evictions++
}
