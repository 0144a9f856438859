package cache

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultContentTTL        = 24 * time.Hour
	DefaultContentCapacity   = 5000
	DefaultContentEvictBatch = 100
)

// HashContent returns the content-addressed key for s: the 64-bit xxhash of
// the raw bytes, hex encoded. Identical strings always share a key.
func HashContent(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// ContentCache maps content strings to values with a fixed TTL. When full,
// the oldest-inserted entries are evicted in one batch; reads do not refresh
// an entry's position.
type ContentCache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*Entry[V]
	ttl        time.Duration
	capacity   int
	evictBatch int
	now        func() time.Time
	stats      counters
}

// ContentOption configures a ContentCache.
type ContentOption func(*contentConfig)

type contentConfig struct {
	ttl        time.Duration
	capacity   int
	evictBatch int
	now        func() time.Time
}

func WithTTL(d time.Duration) ContentOption {
	return func(c *contentConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithCapacity(n int) ContentOption {
	return func(c *contentConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func WithEvictBatch(n int) ContentOption {
	return func(c *contentConfig) {
		if n > 0 {
			c.evictBatch = n
		}
	}
}

// WithClock replaces time.Now (for testing).
func WithClock(now func() time.Time) ContentOption {
	return func(c *contentConfig) { c.now = now }
}

// NewContentCache creates a cache with 24h TTL, capacity 5000 and eviction
// batch 100 unless overridden.
func NewContentCache[V any](name string, opts ...ContentOption) *ContentCache[V] {
	cfg := contentConfig{
		ttl:        DefaultContentTTL,
		capacity:   DefaultContentCapacity,
		evictBatch: DefaultContentEvictBatch,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &ContentCache[V]{
		entries:    make(map[string]*Entry[V]),
		ttl:        cfg.ttl,
		capacity:   cfg.capacity,
		evictBatch: min(cfg.evictBatch, cfg.capacity),
		now:        cfg.now,
	}
	c.stats.name = name
	return c
}

// Get returns the value stored for content. Expired entries are removed and
// reported as a miss.
func (c *ContentCache[V]) Get(content string) (V, bool) {
	return c.GetHash(HashContent(content))
}

// GetHash is Get for a precomputed HashContent key.
func (c *ContentCache[V]) GetHash(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.stats.miss()
		return zero, false
	}
	if c.now().Sub(e.Timestamp) > c.ttl {
		delete(c.entries, key)
		evictionsTotal.WithLabelValues(c.stats.name, "expired").Inc()
		c.stats.miss()
		return zero, false
	}
	e.AccessCount++
	c.stats.hit()
	return e.Value, true
}

// Set stores v for content, replacing any previous entry.
func (c *ContentCache[V]) Set(content string, v V) {
	c.SetHash(HashContent(content), v)
}

// SetHash is Set for a precomputed HashContent key.
func (c *ContentCache[V]) SetHash(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = &Entry[V]{Value: v, Timestamp: c.now(), AIAnalyzed: true}
}

// evictOldestLocked drops the evictBatch entries with the earliest insertion time.
func (c *ContentCache[V]) evictOldestLocked() {
	type aged struct {
		key string
		ts  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.Timestamp})
	}
	slices.SortFunc(all, func(a, b aged) int { return a.ts.Compare(b.ts) })

	n := min(c.evictBatch, len(all))
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
	evictionsTotal.WithLabelValues(c.stats.name, "capacity").Add(float64(n))
}

// Len returns the number of stored entries, including expired ones not yet
// observed by Get.
func (c *ContentCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes every entry.
func (c *ContentCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *ContentCache[V]) Stats() Stats {
	return Stats{
		Name:     c.stats.name,
		Size:     c.Len(),
		Capacity: c.capacity,
		Hits:     c.stats.hits.Load(),
		Misses:   c.stats.misses.Load(),
	}
}
