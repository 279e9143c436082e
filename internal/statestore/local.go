package statestore

import (
	"strings"
	"sync"
	"time"
)

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

// localCache is the tier-1 in-process cache. Entries expire on read and are
// additionally collected by the store's sweep loop.
type localCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
}

func newLocalCache() *localCache {
	return &localCache{entries: make(map[string]localEntry)}
}

func (c *localCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.delete(key)
		return nil, false
	}
	return entry.data, true
}

func (c *localCache) set(key string, data []byte, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = localEntry{data: data, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *localCache) delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *localCache) deletePrefix(prefix string) {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *localCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweep removes expired entries and returns how many were dropped.
func (c *localCache) sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
