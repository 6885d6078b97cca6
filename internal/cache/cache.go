// Copyright 2024 The roomstate authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cache provides the bounded, weight-accounted LRU cache used by
// the storage engine's read paths. Lookups for the same key are coalesced:
// concurrent callers of GetOrFetch share one in-flight fetch rather than
// issuing duplicates. Entries are only ever written by a completed fetch or
// by an explicit prefill; no partial state is ever published.
package cache

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Weight    int
	MaxWeight int
}

type entry[V any] struct {
	key    string
	value  V
	weight int
}

// Cache is a string-keyed LRU cache whose capacity is counted in entry
// weight rather than entry count. A room's full state map weighs as many
// units as it has entries, so one huge room cannot be accounted the same
// as one tiny room.
type Cache[V any] struct {
	mu        sync.Mutex
	maxWeight int
	weigher   func(V) int

	entries map[string]*list.Element
	order   *list.List // front is most recently used
	weight  int

	hits      uint64
	misses    uint64
	evictions uint64

	group singleflight.Group
}

// New returns a cache bounded by maxWeight total units. The weigher
// computes an entry's weight from its value; results below one are counted
// as one, so degenerate values still occupy capacity.
func New[V any](maxWeight int, weigher func(V) int) *Cache[V] {
	if weigher == nil {
		weigher = func(V) int { return 1 }
	}
	return &Cache[V]{
		maxWeight: maxWeight,
		weigher:   weigher,
		entries:   make(map[string]*list.Element),
		order:     list.New(),
	}
}

// Get returns the cached value for key, marking it most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		c.hits++
		return elem.Value.(*entry[V]).value, true
	}
	c.misses++
	var zero V
	return zero, false
}

// GetOrFetch returns the cached value for key, or runs fetch to obtain it.
// Concurrent calls for the same key while a fetch is in flight attach to
// that fetch and all receive its result; exactly one underlying fetch runs.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		// A completed flight may have populated the slot between the miss
		// above and this call being elected leader.
		if value, ok := c.Get(key); ok {
			return value, nil
		}
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Add(key, value)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return value.(V), nil
}

// Add inserts or replaces the value for key, evicting least recently used
// entries until the cache is back within its weight bound. A single entry
// heavier than the whole bound is kept as the sole resident entry: evicting
// it would leave the hottest key permanently uncacheable, refetched on
// every read.
func (c *Cache[V]) Add(key string, value V) {
	weight := c.weigher(value)
	if weight < 1 {
		weight = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry[V])
		c.weight += weight - e.weight
		e.value = value
		e.weight = weight
		c.order.MoveToFront(elem)
	} else {
		c.entries[key] = c.order.PushFront(&entry[V]{key: key, value: value, weight: weight})
		c.weight += weight
	}

	for c.weight > c.maxWeight && c.order.Len() > 1 {
		c.evictOldest()
	}
}

// Prefill is the explicit write-through used after a committed write, so an
// immediately following read hits without a storage round trip.
func (c *Cache[V]) Prefill(key string, value V) {
	c.Add(key, value)
}

// Remove drops the entry for key, if present.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		Weight:    c.weight,
		MaxWeight: c.maxWeight,
	}
}

func (c *Cache[V]) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	c.evictions++
}

func (c *Cache[V]) removeElement(elem *list.Element) {
	e := elem.Value.(*entry[V])
	c.order.Remove(elem)
	delete(c.entries, e.key)
	c.weight -= e.weight
}
