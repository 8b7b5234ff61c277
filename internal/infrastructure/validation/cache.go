package validation

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL is how long a cached verdict stays fresh.
	DefaultCacheTTL = 24 * time.Hour
	// DefaultCacheSize is the LRU capacity.
	DefaultCacheSize = 1000
)

type cacheKey struct {
	digest string
	kind   Kind
}

type cacheEntry struct {
	key            cacheKey
	verdict        *Verdict
	insertedAt     time.Time
	lastAccessedAt time.Time
	hitCount       int64
}

// CacheStats exposes cache health for metrics export.
type CacheStats struct {
	Size        int       `json:"size"`
	Capacity    int       `json:"capacity"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Evictions   int64     `json:"evictions"`
	OldestEntry time.Time `json:"oldestEntry,omitzero"`
}

// HitRate returns hits / lookups, zero when no lookups happened.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache memoizes validation verdicts by (digest, kind) with per-entry TTL
// and LRU eviction. A kind=full entry satisfies lookups for any kind.
type Cache struct {
	mu       sync.Mutex
	entries  map[cacheKey]*list.Element
	order    *list.List // front = most recently used
	capacity int
	ttl      time.Duration

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time // test seam
}

// NewCache creates a verdict cache. Non-positive arguments select defaults.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries:  make(map[cacheKey]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the cached verdict for (digest, kind) if present and fresh.
// A full verdict for the digest satisfies any requested kind.
func (c *Cache) Get(digest string, kind Kind) (*Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lookup(cacheKey{digest: digest, kind: KindFull}); ok {
		c.hits++
		return v, true
	}
	if kind != KindFull {
		if v, ok := c.lookup(cacheKey{digest: digest, kind: kind}); ok {
			c.hits++
			return v, true
		}
	}
	c.misses++
	return nil, false
}

// Put stores a verdict, including negative ones, evicting the least
// recently used entry when over capacity.
func (c *Cache) Put(digest string, kind Kind, verdict *Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{digest: digest, kind: kind}
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.verdict = verdict
		entry.insertedAt = c.now()
		entry.lastAccessedAt = entry.insertedAt
		c.order.MoveToFront(elem)
		return
	}

	now := c.now()
	elem := c.order.PushFront(&cacheEntry{
		key:            key,
		verdict:        verdict,
		insertedAt:     now,
		lastAccessedAt: now,
	})
	c.entries[key] = elem

	for len(c.entries) > c.capacity {
		c.evictOldest()
	}
}

// Sweep removes expired entries; called periodically by the registry cron.
// Returns the number of removed entries.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for key, elem := range c.entries {
		entry := elem.Value.(*cacheEntry)
		if now.Sub(entry.insertedAt) > c.ttl {
			c.order.Remove(elem)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats reports size, hit counters, and the oldest entry timestamp.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:      len(c.entries),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	for _, elem := range c.entries {
		entry := elem.Value.(*cacheEntry)
		if stats.OldestEntry.IsZero() || entry.insertedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.insertedAt
		}
	}
	return stats
}

// lookup checks one exact key, honoring TTL and bumping recency.
func (c *Cache) lookup(key cacheKey) (*Verdict, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.insertedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil, false
	}
	entry.lastAccessedAt = c.now()
	entry.hitCount++
	c.order.MoveToFront(elem)
	return entry.verdict, true
}

func (c *Cache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	c.order.Remove(back)
	delete(c.entries, entry.key)
	c.evictions++
}
