// Package cache provides a small generic TTL cache used to remember
// destination lookups across the books of one run.
package cache

import (
	"sync"
	"time"

	"github.com/drallgood/reading-activity-sync/internal/logger"
)

// Cache stores values with an optional TTL
type Cache[K comparable, V any] interface {
	// Set stores a value; a ttl <= 0 never expires
	Set(key K, value V, ttl time.Duration)
	// Get retrieves a value and whether it was found and still fresh
	Get(key K) (V, bool)
	Delete(key K)
	Clear()
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type memoryCache[K comparable, V any] struct {
	items map[K]entry[V]
	mu    sync.RWMutex
	log   *logger.Logger
	now   func() time.Time
}

// NewMemoryCache creates a new in-memory cache with the provided logger
func NewMemoryCache[K comparable, V any](log *logger.Logger) Cache[K, V] {
	if log == nil {
		log = logger.Nop()
	}
	return &memoryCache[K, V]{
		items: make(map[K]entry[V]),
		log:   log,
		now:   time.Now,
	}
}

func (c *memoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}

	c.log.Debug("Item added to cache", map[string]interface{}{
		"key":        key,
		"cache_size": len(c.items),
	})
}

func (c *memoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !found {
		return zero, false
	}
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		c.mu.Lock()
		// the entry may have been refreshed in between
		if cur, ok := c.items[key]; ok && cur.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		c.log.Debug("Cache item expired", map[string]interface{}{"key": key})
		return zero, false
	}
	return item.value, true
}

func (c *memoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *memoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]entry[V])
	c.log.Debug("Cache cleared")
}

func (c *memoryCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// WithTTL returns a wrapper that applies ttl to every Set, ignoring the per-call value
func WithTTL[K comparable, V any](cache Cache[K, V], ttl time.Duration) Cache[K, V] {
	return &ttlWrapper[K, V]{Cache: cache, ttl: ttl}
}

type ttlWrapper[K comparable, V any] struct {
	Cache[K, V]
	ttl time.Duration
}

func (w *ttlWrapper[K, V]) Set(key K, value V, _ time.Duration) {
	w.Cache.Set(key, value, w.ttl)
}
