package bus

import (
	"sync"
	"time"
)

// Dedupe defaults; callers usually tune these from config.
const (
	DefaultDedupeTTL     = 60 * time.Second
	DefaultDedupeMaxSize = 10000
)

type dedupeEntry struct {
	key string
	at  time.Time
}

// DedupeCache remembers message fingerprints for a TTL window so replayed
// messages (reconnect storms, webhook retries) are dropped before they reach
// the session queue. Bounded: past maxSize, the oldest inserts are evicted.
// Safe for concurrent use.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	entries map[string]time.Time
	order   []dedupeEntry
}

// NewDedupeCache creates a cache with the given TTL and capacity.
// Non-positive arguments fall back to the defaults.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultDedupeMaxSize
	}
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// SetClock replaces the time source. Tests use this to step through TTL
// windows without sleeping.
func (c *DedupeCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetTTL retunes the freshness window. Existing entries are judged
// against the new TTL on their next read. Non-positive values restore
// the default. Config hot-reload uses this.
func (c *DedupeCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Has reports whether key is present and fresh. Expired entries are
// removed on read.
func (c *DedupeCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasLocked(key)
}

// Add inserts the key and returns true, or returns false when the key is
// already present within the TTL. Exceeding capacity evicts the oldest
// insertions until size fits.
func (c *DedupeCache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasLocked(key) {
		return false
	}

	now := c.now()
	c.entries[key] = now
	c.order = append(c.order, dedupeEntry{key: key, at: now})

	for len(c.entries) > c.maxSize {
		c.evictOldestLocked()
	}
	return true
}

// IsDuplicate is check-and-insert: true means the key was already present
// (drop the message); false means it was recorded now.
func (c *DedupeCache) IsDuplicate(key string) bool {
	return !c.Add(key)
}

// Size returns the number of live entries.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DedupeCache) hasLocked(key string) bool {
	at, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().Sub(at) > c.ttl {
		delete(c.entries, key)
		return false
	}
	return true
}

// evictOldestLocked removes the oldest live insertion. Order entries whose
// timestamp no longer matches the map (expired-then-readded keys) are
// skipped; the map holds the authoritative insert time.
func (c *DedupeCache) evictOldestLocked() {
	for len(c.order) > 0 {
		head := c.order[0]
		c.order = c.order[1:]
		if at, ok := c.entries[head.key]; ok && at.Equal(head.at) {
			delete(c.entries, head.key)
			return
		}
	}
}
