package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/feedback"
	"github.com/kalambet/feedbackd/internal/pipeline"
	"github.com/kalambet/feedbackd/internal/upstream"
)

type mockQuerier struct {
	mu       sync.Mutex
	records  []feedback.Record
	err      error
	lastFrom time.Time
	lastTo   time.Time
	lastAI   bool
}

func (m *mockQuerier) Query(_ context.Context, from, to time.Time, requireAI bool, _ ...pipeline.QueryOption) ([]feedback.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFrom, m.lastTo, m.lastAI = from, to, requireAI
	return m.records, m.err
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func sampleRecords(n int) []feedback.Record {
	out := make([]feedback.Record, n)
	for i := range out {
		out[i] = feedback.Record{
			ID:        fmt.Sprintf("r%d", i),
			Date:      time.Date(2024, 1, 7-i, 12, 0, 0, 0, time.UTC),
			Content:   "content",
			Rating:    feedback.DefaultRating,
			Category:  feedback.Bug,
			Sentiment: feedback.Pending,
			Tags:      []string{"Bug"},
			Status:    feedback.StatusNew,
		}
	}
	return out
}

func transportErr() error {
	return fmt.Errorf("fetching 2024-01-01_2024-01-02: %w", &upstream.TransportError{URL: "http://upstream", Status: 503})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		store      Pinger
		wantCode   int
		wantStatus string
	}{
		{"no store", nil, http.StatusOK, "ok"},
		{"store up", mockPinger{}, http.StatusOK, "ok"},
		{"store down", mockPinger{err: errors.New("down")}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Deps{Service: &mockQuerier{}, Store: tt.store, Token: "secret", Version: "1.2.3"})

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			var body HealthResponse
			json.NewDecoder(rr.Body).Decode(&body)
			if body.Status != tt.wantStatus || body.Version != "1.2.3" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestFeedback_OK(t *testing.T) {
	svc := &mockQuerier{records: sampleRecords(3)}
	h := NewHandler(Deps{Service: svc, AIEnabled: true})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/feedback?from=2024-01-01&to=2024-01-07&ai=true", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var body FeedbackResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Count != 3 || len(body.Records) != 3 || !body.AI {
		t.Errorf("body = %+v", body)
	}
	if body.From != "2024-01-01" || body.To != "2024-01-07" {
		t.Errorf("range = %s..%s", body.From, body.To)
	}
	if !svc.lastAI || svc.lastTo.Day() != 7 {
		t.Errorf("forwarded ai=%v to=%s", svc.lastAI, svc.lastTo)
	}
}

func TestFeedback_EmptyIsArray(t *testing.T) {
	h := NewHandler(Deps{Service: &mockQuerier{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/feedback?from=2024-01-01&to=2024-01-01", nil))

	if !strings.Contains(rr.Body.String(), `"records":[]`) {
		t.Errorf("body = %s, want empty records array", rr.Body.String())
	}
}

func TestFeedback_BadRequest(t *testing.T) {
	h := NewHandler(Deps{Service: &mockQuerier{}})

	for _, q := range []string{
		"",
		"?from=2024-01-01",
		"?from=2024-01-07&to=2024-01-01",
		"?from=01-01-2024&to=2024-01-07",
		"?from=2024-01-01&to=2024-01-07&ai=maybe",
		"?from=2020-01-01&to=2024-01-01",
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/feedback"+q, nil))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestFeedback_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"transport", transportErr(), http.StatusBadGateway, "upstream_unavailable"},
		{"logical", &upstream.LogicalError{Code: 1, Message: "bad"}, http.StatusBadGateway, "upstream_malformed"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Deps{Service: &mockQuerier{err: tt.err}})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/feedback?from=2024-01-01&to=2024-01-02", nil))

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			json.NewDecoder(rr.Body).Decode(&body)
			if body.Error.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", body.Error.Type, tt.wantType)
			}
		})
	}
}

func TestAuth(t *testing.T) {
	h := NewHandler(Deps{Service: &mockQuerier{}, Token: "secret"})

	tests := []struct {
		path     string
		header   string
		want     int
		wantType string
	}{
		{"/feedback?from=2024-01-01&to=2024-01-01", "", http.StatusUnauthorized, "missing_token"},
		{"/feedback?from=2024-01-01&to=2024-01-01", "Basic c2VjcmV0", http.StatusUnauthorized, "missing_token"},
		{"/feedback?from=2024-01-01&to=2024-01-01", "Bearer wrong", http.StatusUnauthorized, "invalid_token"},
		{"/feedback?from=2024-01-01&to=2024-01-01", "Bearer secret", http.StatusOK, ""},
		{"/cache/stats", "", http.StatusUnauthorized, "missing_token"},
		{"/health", "", http.StatusOK, ""},
		{"/metrics", "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Errorf("%s with %q: status = %d, want %d", tt.path, tt.header, rr.Code, tt.want)
			continue
		}
		if tt.wantType == "" {
			continue
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("%s with %q: missing WWW-Authenticate header", tt.path, tt.header)
		}
		var body struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if body.Error.Type != tt.wantType {
			t.Errorf("%s with %q: error type = %q, want %q", tt.path, tt.header, body.Error.Type, tt.wantType)
		}
	}
}

func TestAuth_NoTokenConfigured(t *testing.T) {
	h := NewHandler(Deps{Service: &mockQuerier{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/feedback?from=2024-01-01&to=2024-01-01", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without a configured token", rr.Code)
	}
}

func TestCacheStats(t *testing.T) {
	qc := cache.NewQueryCache[int]("query", 2, time.Minute)
	qc.Set("a", 1, false)
	qc.Get("a", false)
	qc.Get("b", false)
	cc := cache.NewContentCache[string]("content")

	h := NewHandler(Deps{Service: &mockQuerier{}, Caches: []StatsSource{qc, cc}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cache/stats", nil))

	var body struct {
		Caches []cache.Stats `json:"caches"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.Caches) != 2 {
		t.Fatalf("got %d caches, want 2", len(body.Caches))
	}
	q := body.Caches[0]
	if q.Name != "query" || q.Size != 1 || q.Hits != 1 || q.Misses != 1 {
		t.Errorf("query stats = %+v", q)
	}
}
