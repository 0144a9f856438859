package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultQueryTTL      = 5 * time.Minute
	DefaultQueryCapacity = 10
)

// QueryCache is a strict LRU with a fixed TTL, keyed by the requested date
// range. Each entry records whether its value was produced with AI analysis.
type QueryCache[V any] struct {
	mu       sync.Mutex // guards Entry bookkeeping; the LRU locks itself
	lru      *expirable.LRU[string, *Entry[V]]
	capacity int
	stats    counters
}

// NewQueryCache creates a cache holding at most capacity entries for ttl.
// Non-positive arguments fall back to 10 entries and 5 minutes.
func NewQueryCache[V any](name string, capacity int, ttl time.Duration) *QueryCache[V] {
	if capacity <= 0 {
		capacity = DefaultQueryCapacity
	}
	if ttl <= 0 {
		ttl = DefaultQueryTTL
	}
	c := &QueryCache[V]{capacity: capacity}
	c.stats.name = name
	c.lru = expirable.NewLRU[string, *Entry[V]](capacity, func(string, *Entry[V]) {
		evictionsTotal.WithLabelValues(name, "removed").Inc()
	}, ttl)
	return c
}

// Get returns the cached value for key. When requireAI is set, an entry
// populated without analysis is a miss regardless of its age. A hit marks the
// key most recently used; a miss leaves recency untouched.
func (c *QueryCache[V]) Get(key string, requireAI bool) (V, bool) {
	var zero V
	e, ok := c.lru.Peek(key)
	if !ok || (requireAI && !e.AIAnalyzed) {
		c.stats.miss()
		return zero, false
	}
	// Promote only now; the entry may have expired or been replaced since Peek.
	e, ok = c.lru.Get(key)
	if !ok || (requireAI && !e.AIAnalyzed) {
		c.stats.miss()
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.AccessCount++
	c.stats.hit()
	return e.Value, true
}

// Peek returns the entry without touching recency or counters.
func (c *QueryCache[V]) Peek(key string) (Entry[V], bool) {
	e, ok := c.lru.Peek(key)
	if !ok {
		return Entry[V]{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *e, true
}

// Set replaces the entry for key. At capacity the least recently used key is
// evicted first.
func (c *QueryCache[V]) Set(key string, v V, aiAnalyzed bool) {
	c.lru.Add(key, &Entry[V]{Value: v, Timestamp: time.Now(), AIAnalyzed: aiAnalyzed})
}

// Delete drops key.
func (c *QueryCache[V]) Delete(key string) {
	c.lru.Remove(key)
}

// Purge drops every entry.
func (c *QueryCache[V]) Purge() {
	c.lru.Purge()
}

func (c *QueryCache[V]) Len() int {
	return c.lru.Len()
}

func (c *QueryCache[V]) Stats() Stats {
	return Stats{
		Name:     c.stats.name,
		Size:     c.lru.Len(),
		Capacity: c.capacity,
		Hits:     c.stats.hits.Load(),
		Misses:   c.stats.misses.Load(),
	}
}
