// Package vocab provides the LRU+TTL cache backing the community vocabulary
// client.
//
// Vocabulary lookups happen on every RAG query (one per candidate term), so
// the cache absorbs the bulk of the read traffic and keeps the vocabulary API
// under its rate budget. Negative results are cached too: a term the
// community has never defined stays unknown for a full TTL rather than being
// re-queried per question.
package vocab

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a fixed-capacity LRU cache with per-entry expiry. It is safe for
// concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	order    *list.List
	capacity int
	ttl      time.Duration

	hits   int64
	misses int64

	now func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	element   *list.Element
}

// CacheStats is a point-in-time snapshot exposed via the status endpoint.
type CacheStats struct {
	Entries  int   `json:"entries"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// NewCache creates a cache holding at most capacity entries, each living for
// ttl after insertion. Non-positive arguments fall back to 1000 entries and
// five minutes.
func NewCache[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache[V]{
		entries:  make(map[string]*entry[V]),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the cached value for key. An expired entry is removed on
// lookup and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.remove(e)
		c.misses++
		var zero V
		return zero, false
	}

	c.order.MoveToFront(e.element)
	c.hits++
	return e.value, true
}

// Put stores value under key, refreshing the TTL and recency of an existing
// entry. When the cache is full the least recently used entry is evicted.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(e.element)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry[V]))
	}

	e := &entry[V]{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
}

// Len returns the current entry count, including not-yet-collected expired
// entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot for the status endpoint.
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:  len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

// remove deletes e from both the map and the recency list.
// Must be called with the lock held.
func (c *Cache[V]) remove(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}
