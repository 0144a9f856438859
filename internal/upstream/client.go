// Package upstream fetches raw feedback rows from the upstream provider.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kalambet/feedbackd/internal/daterange"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 64 << 20 // 64MB
	initialBackoff  = 500 * time.Millisecond
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbackd_upstream_requests_total",
			Help: "Upstream chunk requests by outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedbackd_upstream_request_duration_seconds",
		Help:    "Duration of upstream chunk requests in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// Fetcher retrieves the raw items for one date range.
type Fetcher interface {
	Fetch(ctx context.Context, r daterange.Range) ([]Item, error)
}

// Client issues one GET per date range against the upstream endpoint.
// It never retries; see WithRetry.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each request. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the given endpoint URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    defaultTimeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch requests ?from=YYYY-MM-DD&to=YYYY-MM-DD and returns the decoded rows.
// Network failures, timeouts, and non-2xx statuses yield *TransportError; a
// non-zero envelope code or undecodable body yields *LogicalError.
func (c *Client) Fetch(ctx context.Context, r daterange.Range) ([]Item, error) {
	start := time.Now()
	items, err := c.fetch(ctx, r)
	requestDuration.Observe(time.Since(start).Seconds())

	var te *TransportError
	var le *LogicalError
	switch {
	case err == nil:
		requestsTotal.WithLabelValues("ok").Inc()
	case errors.As(err, &te):
		requestsTotal.WithLabelValues("transport_error").Inc()
	case errors.As(err, &le):
		requestsTotal.WithLabelValues("logical_error").Inc()
	}
	return items, err
}

func (c *Client) fetch(ctx context.Context, r daterange.Range) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("from", daterange.FormatDate(r.From))
	q.Set("to", daterange.FormatDate(r.To))
	target := c.baseURL + "?" + q.Encode()
	if strings.Contains(c.baseURL, "?") {
		target = c.baseURL + "&" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{URL: c.baseURL, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{URL: c.baseURL, Err: fmt.Errorf("reading body: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &LogicalError{Err: fmt.Errorf("decoding envelope: %w", err)}
	}
	if env.Code != 0 {
		return nil, &LogicalError{Code: env.Code, Message: env.Msg}
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal(env.Data, &items); err != nil {
		return nil, &LogicalError{Err: fmt.Errorf("decoding data: %w", err)}
	}
	return items, nil
}

// retryingFetcher retries transport failures with exponential backoff.
type retryingFetcher struct {
	next     Fetcher
	attempts int
	backoff  time.Duration
}

// WithRetry wraps f so that *TransportError results are retried up to
// attempts times in total, waiting 500ms, 1s, 2s, ... between tries.
// Logical errors are returned immediately.
func WithRetry(f Fetcher, attempts int) Fetcher {
	if attempts <= 1 {
		return f
	}
	return &retryingFetcher{next: f, attempts: attempts, backoff: initialBackoff}
}

func (r *retryingFetcher) Fetch(ctx context.Context, rng daterange.Range) ([]Item, error) {
	var lastErr error
	for attempt := range r.attempts {
		items, err := r.next.Fetch(ctx, rng)
		if err == nil {
			return items, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt < r.attempts-1 {
			backoff := time.Duration(float64(r.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("fetching %s after %d attempts: %w", rng, r.attempts, lastErr)
}

// Dedupe merges chunk results by upstream id. A later occurrence replaces an
// earlier one; output keeps the position of the first occurrence.
func Dedupe(chunks [][]Item) []Item {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}

	index := make(map[int64]int, n)
	out := make([]Item, 0, n)
	for _, c := range chunks {
		for _, it := range c {
			if i, ok := index[it.ID]; ok {
				out[i] = it
				continue
			}
			index[it.ID] = len(out)
			out = append(out, it)
		}
	}
	return out
}
