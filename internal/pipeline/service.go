// Package pipeline answers date-range feedback queries from the cheapest
// tier that can satisfy them: the query cache, the persistent store, or a
// full upstream fetch followed by AI enrichment.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/feedbackd/internal/analysis"
	"github.com/kalambet/feedbackd/internal/batch"
	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/daterange"
	"github.com/kalambet/feedbackd/internal/feedback"
	"github.com/kalambet/feedbackd/internal/upstream"
)

const (
	DefaultMaxDaysPerChunk  = 3
	DefaultFetchConcurrency = 5
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackd_queries_total",
			Help: "Answered queries by the tier that served them.",
		},
		[]string{"source"},
	)
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedbackd_query_duration_seconds",
			Help:    "Query latency in seconds by serving tier.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"source"},
	)
	sharedFlightsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbackd_query_shared_total",
		Help: "Queries answered by joining an identical in-flight query.",
	})
)

// Store is the read side of the persistent store used as a warm cache.
type Store interface {
	QueryRange(ctx context.Context, from, to time.Time, fetchAll bool) ([]feedback.Record, int, error)
}

// Analyzer enriches content; results missing from the map fall back to
// analysis.Default.
type Analyzer interface {
	Analyze(ctx context.Context, items []analysis.Item, onProgress func(done, total int)) map[string]analysis.Result
}

// Persister accepts records for background upsert without blocking.
type Persister interface {
	Submit(records []feedback.Record) bool
}

// Config tunes the upstream fetch.
type Config struct {
	MaxDaysPerChunk  int
	FetchConcurrency int
}

// Service coordinates the caches, the store, upstream and the analyzer.
type Service struct {
	fetcher  upstream.Fetcher
	queries  *cache.QueryCache[[]feedback.Record]
	store    Store
	analyzer Analyzer
	writer   Persister
	cfg      Config
	flights  singleflight.Group
}

// Option wires an optional collaborator.
type Option func(*Service)

// WithStore enables the persistent warm cache.
func WithStore(s Store) Option {
	return func(svc *Service) { svc.store = s }
}

// WithAnalyzer enables AI enrichment. Without it requireAI is ignored.
func WithAnalyzer(a Analyzer) Option {
	return func(svc *Service) { svc.analyzer = a }
}

// WithPersister enables background persistence of fetched records.
func WithPersister(p Persister) Option {
	return func(svc *Service) { svc.writer = p }
}

// New creates a Service. queries may be nil for a default-sized cache.
func New(fetcher upstream.Fetcher, queries *cache.QueryCache[[]feedback.Record], cfg Config, opts ...Option) *Service {
	if cfg.MaxDaysPerChunk <= 0 {
		cfg.MaxDaysPerChunk = DefaultMaxDaysPerChunk
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	if queries == nil {
		queries = cache.NewQueryCache[[]feedback.Record]("query", cache.DefaultQueryCapacity, cache.DefaultQueryTTL)
	}
	s := &Service{fetcher: fetcher, queries: queries, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AIEnabled reports whether an analyzer is wired.
func (s *Service) AIEnabled() bool {
	return s.analyzer != nil
}

// Queries exposes the query cache for stats reporting.
func (s *Service) Queries() *cache.QueryCache[[]feedback.Record] {
	return s.queries
}

// Progress reports pipeline advancement. Stage is "fetch" (units are date
// chunks) or "analyze" (units are records).
type Progress struct {
	Stage string
	Done  int
	Total int
}

// QueryOption configures a single Query call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	progress func(Progress)
}

// WithProgress registers a progress callback. When the call joins an
// identical in-flight query, only the first caller's callback fires.
func WithProgress(fn func(Progress)) QueryOption {
	return func(o *queryOptions) { o.progress = fn }
}

// Query returns the feedback records dated within [from, to], newest first.
// With requireAI every record has been through enrichment; records whose
// analysis failed stay Pending. Identical concurrent queries share one
// execution, which keeps running if the caller that started it goes away.
func (s *Service) Query(ctx context.Context, from, to time.Time, requireAI bool, opts ...QueryOption) ([]feedback.Record, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	requireAI = requireAI && s.analyzer != nil
	rng := daterange.Range{From: from, To: to}
	key := rng.String()
	start := time.Now()

	if recs, ok := s.queries.Get(key, requireAI); ok {
		observe("cache", start)
		return feedback.CloneAll(recs), nil
	}

	flightKey := fmt.Sprintf("%s:ai=%t", key, requireAI)
	ch := s.flights.DoChan(flightKey, func() (any, error) {
		return s.run(context.WithoutCancel(ctx), rng, requireAI, o.progress, start)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			sharedFlightsTotal.Inc()
			slog.Debug("query shared an in-flight execution", "range", key, "ai", requireAI)
		}
		return feedback.CloneAll(res.Val.([]feedback.Record)), nil
	}
}

func (s *Service) run(ctx context.Context, rng daterange.Range, requireAI bool, progress func(Progress), start time.Time) ([]feedback.Record, error) {
	key := rng.String()

	// A flight that finished just before this one started may have filled the cache.
	if recs, ok := s.queries.Get(key, requireAI); ok {
		observe("cache", start)
		return recs, nil
	}

	if recs, ok := s.fromStore(ctx, rng, requireAI); ok {
		s.queries.Set(key, recs, !feedback.AnyNeedsAnalysis(recs))
		observe("store", start)
		return recs, nil
	}

	records, err := s.fetch(ctx, rng, progress)
	if err != nil {
		return nil, err
	}

	if requireAI {
		s.enrich(ctx, records, progress)
	}
	feedback.SortByDateDesc(records)

	if s.writer != nil {
		s.writer.Submit(records)
	}
	// Partially analyzed results are cached as unanalyzed so the next AI query
	// retries the failed items; successful ones come from the content cache.
	s.queries.Set(key, records, !feedback.AnyNeedsAnalysis(records))

	observe("upstream", start)
	slog.Info("query served from upstream",
		"range", key,
		"records", len(records),
		"ai", requireAI,
		"duration", time.Since(start),
	)
	return records, nil
}

// fromStore returns stored records when they can answer the query: the range
// is non-empty and, if AI is required, nothing is still Pending. Read errors
// count as a miss. A range the store only partly covers is served as is.
func (s *Service) fromStore(ctx context.Context, rng daterange.Range, requireAI bool) ([]feedback.Record, bool) {
	if s.store == nil {
		return nil, false
	}
	recs, _, err := s.store.QueryRange(ctx, rng.From, rng.To, true)
	if err != nil {
		slog.Warn("warm cache read failed, fetching upstream", "range", rng.String(), "error", err)
		return nil, false
	}
	if len(recs) == 0 {
		return nil, false
	}
	if requireAI && feedback.AnyNeedsAnalysis(recs) {
		slog.Debug("stored records need analysis, fetching upstream", "range", rng.String())
		return nil, false
	}
	feedback.SortByDateDesc(recs)
	return recs, true
}

// fetch pulls every chunk of rng from upstream. Any chunk failure aborts the
// whole fetch.
func (s *Service) fetch(ctx context.Context, rng daterange.Range, progress func(Progress)) ([]feedback.Record, error) {
	chunks := daterange.Chunk(rng.From, rng.To, s.cfg.MaxDaysPerChunk)

	var opts []batch.Option
	if progress != nil {
		opts = append(opts, batch.OnWindow(func(done, total int) {
			progress(Progress{Stage: "fetch", Done: done, Total: total})
		}))
	}
	results := batch.Run(ctx, chunks, s.cfg.FetchConcurrency, func(ctx context.Context, _ int, c daterange.Range) ([]upstream.Item, error) {
		return s.fetcher.Fetch(ctx, c)
	}, opts...)

	if err := batch.FirstError(results); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rng.String(), err)
	}

	items := upstream.Dedupe(batch.Values(results))
	slog.Debug("fetched upstream range", "range", rng.String(), "chunks", len(chunks), "items", len(items))
	return feedback.NormalizeAll(items), nil
}

// enrich applies analysis results in place; ids without a result get the
// default placeholder.
func (s *Service) enrich(ctx context.Context, records []feedback.Record, progress func(Progress)) {
	var onProgress func(done, total int)
	if progress != nil {
		onProgress = func(done, total int) {
			progress(Progress{Stage: "analyze", Done: done, Total: total})
		}
	}
	results := s.analyzer.Analyze(ctx, analysis.ItemsFromRecords(records), onProgress)

	missing := 0
	for i := range records {
		r, ok := results[records[i].ID]
		if !ok {
			r = analysis.Default()
			missing++
		}
		r.ApplyTo(&records[i])
	}
	if missing > 0 {
		slog.Warn("some records could not be analyzed", "missing", missing, "total", len(records))
	}
}

func observe(source string, start time.Time) {
	queriesTotal.WithLabelValues(source).Inc()
	queryDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}
