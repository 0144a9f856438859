// Package analysis enriches feedback content with AI-derived sentiment,
// category, tags and summary, paying for each distinct string at most once.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kalambet/feedbackd/internal/batch"
	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/engine"
	"github.com/kalambet/feedbackd/internal/feedback"
)

const (
	DefaultChunkSize   = 30
	DefaultConcurrency = 10
	DefaultTimeout     = 60 * time.Second
)

var (
	providerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackd_ai_provider_calls_total",
			Help: "AI provider batch calls by outcome.",
		},
		[]string{"outcome"},
	)
	resolvedItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackd_ai_items_total",
			Help: "Analyzed items by where their result came from.",
		},
		[]string{"source"},
	)
	providerCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedbackd_ai_provider_call_duration_seconds",
		Help:    "Duration of AI provider batch calls in seconds.",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
	})
)

// Chatter is the subset of engine.Engine the analyzer needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, schema any) (string, error)
}

// Mirror is a persistent copy of the content cache keyed by
// cache.HashContent. It lets a fresh process start warm.
type Mirror interface {
	LoadAnalyses(ctx context.Context, hashes []string) (map[string]Result, error)
	SaveAnalyses(ctx context.Context, results map[string]Result) error
}

// Config tunes batching. Zero values take the defaults.
type Config struct {
	Model       string
	ChunkSize   int
	Concurrency int
	Timeout     time.Duration
}

// Analyzer resolves content through the content cache, the optional mirror,
// and finally chunked provider calls.
type Analyzer struct {
	chat   Chatter
	cache  *cache.ContentCache[Result]
	mirror Mirror
	cfg    Config
	logger *slog.Logger
}

// New creates an Analyzer. mirror may be nil.
func New(chat Chatter, c *cache.ContentCache[Result], mirror Mirror, cfg Config) *Analyzer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if c == nil {
		c = cache.NewContentCache[Result]("content")
	}
	return &Analyzer{
		chat:   chat,
		cache:  c,
		mirror: mirror,
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// Cache exposes the content cache for stats reporting.
func (a *Analyzer) Cache() *cache.ContentCache[Result] {
	return a.cache
}

// pending is one distinct content string awaiting analysis and every item id
// that shares it.
type pending struct {
	hash    string
	content string
	ids     []string
}

// Analyze returns a result for every item that could be resolved. Items whose
// chunk failed are absent from the map; callers apply Default for them.
// onProgress, when non-nil, is called after each window of provider calls
// with the number of items resolved so far and the total.
func (a *Analyzer) Analyze(ctx context.Context, items []Item, onProgress func(done, total int)) map[string]Result {
	results := make(map[string]Result, len(items))
	if len(items) == 0 {
		return results
	}

	// Partition by content cache, grouping misses by hash so each distinct
	// string is sent once.
	var misses []*pending
	byHash := make(map[string]*pending)
	for _, it := range items {
		h := cache.HashContent(it.Content)
		if p, ok := byHash[h]; ok {
			p.ids = append(p.ids, it.ID)
			continue
		}
		if r, ok := a.cache.GetHash(h); ok {
			results[it.ID] = r
			resolvedItemsTotal.WithLabelValues("cache").Inc()
			continue
		}
		p := &pending{hash: h, content: it.Content, ids: []string{it.ID}}
		byHash[h] = p
		misses = append(misses, p)
	}
	misses = a.resolveFromMirror(ctx, misses, results)

	if len(misses) == 0 {
		if onProgress != nil {
			onProgress(len(results), len(items))
		}
		return results
	}

	var mu sync.Mutex
	fresh := make(map[string]Result)
	chunks := slices.Collect(slices.Chunk(misses, a.cfg.ChunkSize))

	batch.Run(ctx, chunks, a.cfg.Concurrency, func(ctx context.Context, i int, chunk []*pending) (struct{}, error) {
		chunkResults, err := a.analyzeChunk(ctx, i, chunk)
		if err != nil {
			a.logger.Warn("analysis chunk failed", "chunk", i, "items", len(chunk), "error", err)
			resolvedItemsTotal.WithLabelValues("failed").Add(float64(len(chunk)))
			return struct{}{}, err
		}

		mu.Lock()
		defer mu.Unlock()
		for j, r := range chunkResults {
			if r == nil {
				continue
			}
			p := chunk[j]
			a.cache.SetHash(p.hash, *r)
			fresh[p.hash] = *r
			for _, id := range p.ids {
				results[id] = *r
			}
			resolvedItemsTotal.WithLabelValues("provider").Add(float64(len(p.ids)))
		}
		return struct{}{}, nil
	}, batch.OnWindow(func(_, _ int) {
		if onProgress == nil {
			return
		}
		mu.Lock()
		done := len(results)
		mu.Unlock()
		onProgress(done, len(items))
	}))

	if a.mirror != nil && len(fresh) > 0 {
		if err := a.mirror.SaveAnalyses(context.WithoutCancel(ctx), fresh); err != nil {
			a.logger.Warn("saving analyses to persistent cache failed", "count", len(fresh), "error", err)
		}
	}

	return results
}

// AnalyzeText analyzes a single string, going through the same cache tiers.
func (a *Analyzer) AnalyzeText(ctx context.Context, content string) (Result, error) {
	const id = "text"
	res := a.Analyze(ctx, []Item{{ID: id, Content: content}}, nil)
	r, ok := res[id]
	if !ok {
		return Default(), errors.New("analysis failed")
	}
	return r, nil
}

// resolveFromMirror fills results from the persistent mirror and returns the
// entries still unresolved. Mirror failures are logged and ignored.
func (a *Analyzer) resolveFromMirror(ctx context.Context, misses []*pending, results map[string]Result) []*pending {
	if a.mirror == nil || len(misses) == 0 {
		return misses
	}

	hashes := make([]string, len(misses))
	for i, p := range misses {
		hashes[i] = p.hash
	}
	stored, err := a.mirror.LoadAnalyses(ctx, hashes)
	if err != nil {
		a.logger.Warn("loading analyses from persistent cache failed", "error", err)
		return misses
	}

	remaining := misses[:0:0]
	for _, p := range misses {
		r, ok := stored[p.hash]
		if !ok || r.IsDefault() {
			remaining = append(remaining, p)
			continue
		}
		a.cache.SetHash(p.hash, r)
		for _, id := range p.ids {
			results[id] = r
		}
		resolvedItemsTotal.WithLabelValues("mirror").Add(float64(len(p.ids)))
	}
	return remaining
}

// analyzeChunk issues one provider call for the chunk and returns a result
// per position; nil marks a position with no usable result.
func (a *Analyzer) analyzeChunk(ctx context.Context, idx int, chunk []*pending) ([]*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	contents := make([]string, len(chunk))
	for i, p := range chunk {
		contents[i] = p.content
	}

	start := time.Now()
	raw, err := a.chat.Chat(ctx, a.cfg.Model, BuildPrompt(contents), responseSchema())
	providerCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		providerCallsTotal.WithLabelValues("error").Inc()
		return nil, &ProviderError{Chunk: idx, Size: len(chunk), Err: err}
	}

	var resp response
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		providerCallsTotal.WithLabelValues("unparsable").Inc()
		return nil, &ProviderError{Chunk: idx, Size: len(chunk), Err: fmt.Errorf("decoding response: %w", err)}
	}
	providerCallsTotal.WithLabelValues("ok").Inc()

	if len(resp.Results) != len(chunk) {
		a.logger.Warn("provider returned mismatched result count", "chunk", idx, "want", len(chunk), "got", len(resp.Results))
	}

	out := make([]*Result, len(chunk))
	usable := 0
	for i := range min(len(resp.Results), len(chunk)) {
		r, ok := toResult(resp.Results[i])
		if !ok {
			continue
		}
		out[i] = &r
		usable++
	}
	if usable == 0 {
		return nil, &ProviderError{Chunk: idx, Size: len(chunk), Err: errors.New("no usable results in response")}
	}
	return out, nil
}

// toResult validates one provider entry. Unknown sentiments, an empty
// summary or fewer than MinTags tags discard the entry; unknown categories
// fall back to Other.
func toResult(it responseItem) (Result, bool) {
	sentiment, ok := matchSentiment(it.Sentiment)
	if !ok {
		return Result{}, false
	}
	summary := strings.TrimSpace(it.Summary)
	if summary == "" {
		return Result{}, false
	}

	category := matchCategory(it.Category)

	tags := make([]string, 0, len(it.Tags))
	for _, t := range it.Tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		tags = append(tags, t)
		if len(tags) == feedback.MaxTags {
			break
		}
	}
	if len(tags) < MinTags {
		return Result{}, false
	}

	return Result{Sentiment: sentiment, Category: category, Tags: tags, Summary: summary}, true
}

func matchSentiment(s string) (feedback.Sentiment, bool) {
	for _, v := range []feedback.Sentiment{feedback.Positive, feedback.Negative, feedback.Neutral} {
		if strings.EqualFold(strings.TrimSpace(s), string(v)) {
			return v, true
		}
	}
	return "", false
}

func matchCategory(s string) feedback.Category {
	for _, v := range feedback.Categories {
		if strings.EqualFold(strings.TrimSpace(s), string(v)) {
			return v
		}
	}
	return feedback.Other
}
