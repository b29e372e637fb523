// Package lru provides a typed, thread-safe LRU cache with hit counters.
package lru

import (
	"sync/atomic"

	golru "github.com/hashicorp/golang-lru"
)

// Cache holds at most a fixed number of entries, dropping the least
// recently used one when full.
type Cache[K comparable, V any] struct {
	c        *golru.Cache
	capacity int

	hits, misses, evictions atomic.Uint64
}

// New creates a Cache. A capacity below one is raised to one.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	c, err := golru.New(capacity)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Cache[K, V]{c: c, capacity: capacity}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.c.Get(key)
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return v.(V), true
}

// Add stores value under key, evicting the oldest entry when full.
func (c *Cache[K, V]) Add(key K, value V) {
	if c.c.Add(key, value) {
		c.evictions.Add(1)
	}
}

// Remove drops key.
func (c *Cache[K, V]) Remove(key K) {
	c.c.Remove(key)
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	return c.c.Len()
}

// Stats holds cache counters.
type Stats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate is hits over lookups, zero before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Size:      c.c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
