// Package cache holds the two in-process caches of the query pipeline: a
// content-addressed cache of analysis results and a date-range keyed cache
// of fully enriched result sets.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackd_cache_lookups_total",
			Help: "Cache lookups by cache name and result.",
		},
		[]string{"cache", "result"},
	)
	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackd_cache_evictions_total",
			Help: "Entries evicted for capacity or expiry.",
		},
		[]string{"cache", "reason"},
	)
)

// Entry wraps a cached value with bookkeeping.
type Entry[T any] struct {
	Value       T
	Timestamp   time.Time // insertion time
	AccessCount int
	AIAnalyzed  bool
}

// Stats is a point-in-time snapshot of a cache.
type Stats struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Hits     int64  `json:"hits"`
	Misses   int64  `json:"misses"`
}

type counters struct {
	name   string
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) hit() {
	c.hits.Add(1)
	lookupsTotal.WithLabelValues(c.name, "hit").Inc()
}

func (c *counters) miss() {
	c.misses.Add(1)
	lookupsTotal.WithLabelValues(c.name, "miss").Inc()
}
