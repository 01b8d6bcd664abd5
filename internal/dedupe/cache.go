// ABOUTME: Thread-safe TTL cache mapping client correlation ids to confirmed message ids.
// ABOUTME: Lets the feed hub answer retried dispatches without writing or publishing twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the remembered value, when it was written, and its list element.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited map from correlation key to value.
// An entry with an empty value is a claim: the key is being processed but has
// no result yet. Uses a doubly-linked list to maintain insertion order for
// O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in write order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Recall returns the value remembered for key. ok is false when the key is
// unknown, expired, or only claimed.
func (c *Cache) Recall(key string) (value string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.liveLocked(key)
	if !found || entry.value == "" {
		return "", false
	}
	return entry.value, true
}

// Claim atomically reserves key. It returns false if the key is already
// claimed or remembered, true if the caller now owns it. This prevents
// TOCTOU races between concurrent retries of the same dispatch.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.liveLocked(key); found {
		return false
	}
	c.putLocked(key, "")
	return true
}

// Remember records value for key, completing any claim.
func (c *Cache) Remember(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// Release drops a claim that did not produce a value so the key can be retried.
// Remembered values are left untouched.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.value != "" {
		return
	}
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// Len returns the number of entries, including expired ones not yet cleaned up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// liveLocked returns the entry for key if present and not expired. Must be called with mu held.
func (c *Cache) liveLocked(key string) (*cacheEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		return nil, false
	}
	return entry, true
}

// putLocked writes an entry, evicting the oldest when at capacity. Must be called with mu held.
func (c *Cache) putLocked(key, value string) {
	now := c.now()

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
