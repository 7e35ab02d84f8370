// Package memory implements an in-process TTL cache. No cache server
// is assumed; entries live in a map guarded by a RWMutex and expire
// lazily on read.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/seclens/cvewatch/internal/metrics"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is an in-memory cve.CacheStore. Invalidate treats its argument
// as a key prefix, so one call can clear a whole listing family.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	nowFn   func() time.Time
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		nowFn:   time.Now,
	}
}

// Get returns the cached value and whether it was present and fresh.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.expired(c.nowFn()) {
		if ok {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
		metrics.ObserveCacheOp("miss")
		return nil, false, nil
	}
	metrics.ObserveCacheOp("hit")
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores value under key. A zero ttl means the entry never expires.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.nowFn().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	metrics.ObserveCacheOp("set")
	return nil
}

// Invalidate removes the key and every key sharing it as a prefix.
func (c *Cache) Invalidate(_ context.Context, keyOrPrefix string) error {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, keyOrPrefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	return nil
}

// Len reports the number of live entries, expired ones included until
// their next read. Exposed for tests and status endpoints.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
