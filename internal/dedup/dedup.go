// Package dedup implements a time-windowed duplicate detector. Each owner
// keeps its own Cache; caches are never shared across components.
package dedup

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ppiankov/procwatch/internal/clock"
)

// defaultCapacity bounds memory when the sweep falls behind a burst.
const defaultCapacity = 16384

// Cache remembers keys for a fixed window. Capacity overflow evicts the
// least recently inserted keys, which at worst lets a late duplicate through.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	window  time.Duration
	clock   clock.Clock

	hits uint64
}

// New creates a Cache. capacity <= 0 uses a default bound.
func New(window time.Duration, capacity int, clk clock.Clock) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if clk == nil {
		clk = clock.Real()
	}
	c := &Cache{window: window, clock: clk}
	// lru.New only fails on a non-positive size.
	c.entries, _ = lru.New[string, time.Time](capacity)
	return c
}

// Window returns the dedup window.
func (c *Cache) Window() time.Duration { return c.window }

// Seen records key and reports whether it was already present and unexpired.
// A duplicate does not refresh the entry's first-seen time.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if first, ok := c.entries.Peek(key); ok {
		if now.Sub(first) <= c.window {
			c.hits++
			return true
		}
	}
	c.entries.Add(key, now)
	return false
}

// SeenAny checks every key; if any is live the call is a duplicate and no
// key is inserted. Otherwise the first key is inserted.
func (c *Cache) SeenAny(keys ...string) bool {
	if len(keys) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for _, k := range keys {
		if first, ok := c.entries.Peek(k); ok && now.Sub(first) <= c.window {
			c.hits++
			return true
		}
	}
	c.entries.Add(keys[0], now)
	return false
}

// Contains reports whether key is live without recording it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first, ok := c.entries.Peek(key)
	return ok && c.clock.Now().Sub(first) <= c.window
}

// Forget removes key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, k := range c.entries.Keys() {
		first, ok := c.entries.Peek(k)
		if ok && now.Sub(first) > c.window {
			c.entries.Remove(k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Hits returns how many duplicates were detected.
func (c *Cache) Hits() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Key builds an event key from type, pid and a coarse time bucket.
func Key(eventType string, pid int, at time.Time, bucket time.Duration) string {
	return fmt.Sprintf("%s:%d:%d", eventType, pid, at.UnixNano()/int64(bucket))
}

// Keys returns the key for at's bucket followed by the previous bucket's key,
// so two arrivals straddling a bucket boundary still collide.
func Keys(eventType string, pid int, at time.Time, bucket time.Duration) []string {
	return []string{
		Key(eventType, pid, at, bucket),
		Key(eventType, pid, at.Add(-bucket), bucket),
	}
}
