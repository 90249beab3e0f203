package syllabus

import (
	"sync"
	"time"
)

// Cache is a TTL cache for fetched material, keyed by URL. Expired entries
// are removed lazily on read.
type Cache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	ttl   time.Duration
}

type cacheItem struct {
	content   string
	expiresAt time.Time
}

// NewCache creates a cache whose entries live for ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]cacheItem),
		ttl:   ttl,
	}
}

// Get returns the cached content for key, if present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}

	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		// Another goroutine may have refreshed the entry between locks.
		if current, still := c.items[key]; still && time.Now().After(current.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return "", false
	}

	return item.content, true
}

// Set stores content under key, replacing any existing entry.
func (c *Cache) Set(key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem{
		content:   content,
		expiresAt: time.Now().Add(c.ttl),
	}
}
