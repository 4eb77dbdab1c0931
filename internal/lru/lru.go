// Provides a bounded, concurrent-safe least-recently-used object cache.

// Package lru holds the bounded object caches used for rows, databases and
// raw documents.
package lru

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Stats counts cache activity since creation.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a fixed capacity map that evicts the least recently used entry
// when a new key is inserted into a full cache.
//
// All operations take a single mutex for the duration of the bookkeeping
// call. Values are never closed on eviction; callers holding a value keep it
// alive.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[K, V]
	stats Stats
}

// New returns an empty cache holding at most capacity entries.
//
// It panics if capacity is less than 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	c := &Cache[K, V]{}
	l, err := simplelru.NewLRU[K, V](capacity, func(K, V) { c.stats.Evictions++ })
	if err != nil {
		panic(fmt.Sprintf("lru: invalid capacity %d: %v", capacity, err))
	}
	c.lru = l
	return c
}

// Get returns the value for k and marks it most recently used.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(k)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return v, ok
}

// Peek returns the value for k without touching its recency.
func (c *Cache[K, V]) Peek(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(k)
}

// Contains reports whether k is cached without touching its recency.
func (c *Cache[K, V]) Contains(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(k)
}

// Put inserts or replaces k and marks it most recently used. It returns true
// when an older entry was evicted to make room.
func (c *Cache[K, V]) Put(k K, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Add(k, v)
}

// PeekOrPut returns the value already cached for k, or inserts v. The second
// result is true when an existing value was returned.
func (c *Cache[K, V]) PeekOrPut(k K, v V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(k); ok {
		return old, true
	}
	c.lru.Add(k, v)
	return v, false
}

// Pop removes k and returns its value.
func (c *Cache[K, V]) Pop(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Peek(k)
	if ok {
		// simplelru reports explicit removals through the eviction callback.
		n := c.stats.Evictions
		c.lru.Remove(k)
		c.stats.Evictions = n
	}
	return v, ok
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the cached keys from oldest to newest.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Values returns the cached values from oldest to newest.
func (c *Cache[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Values()
}

// Purge removes every entry. Evictions are not counted.
func (c *Cache[K, V]) Purge() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := c.lru.Values()
	n := c.stats.Evictions
	c.lru.Purge()
	c.stats.Evictions = n
	return vals
}

// Stats returns a copy of the activity counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
