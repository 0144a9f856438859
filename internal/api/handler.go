package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/daterange"
	"github.com/kalambet/feedbackd/internal/feedback"
	"github.com/kalambet/feedbackd/internal/pipeline"
)

// maxRangeDays bounds a single query so one request cannot fan out into an
// unbounded number of upstream chunks.
const maxRangeDays = 366

// Querier answers date-range feedback queries.
type Querier interface {
	Query(ctx context.Context, from, to time.Time, requireAI bool, opts ...pipeline.QueryOption) ([]feedback.Record, error)
}

// StatsSource reports counters for one cache.
type StatsSource interface {
	Stats() cache.Stats
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Service   Querier
	Caches    []StatsSource
	Store     Pinger // optional; health reports the store when set
	Token     string // optional; when set, data routes require it as a bearer token
	AIEnabled bool
	Version   string
}

// NewHandler returns the HTTP surface: health and metrics are public, the
// data routes sit behind bearer auth when a token is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireToken(deps.Token))
		r.Get("/feedback", handleFeedback(deps))
		r.Get("/cache/stats", handleCacheStats(deps))
	})

	return r
}

// FeedbackResponse is the body of GET /feedback.
type FeedbackResponse struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	AI      bool              `json:"ai"`
	Count   int               `json:"count"`
	Records []feedback.Record `json:"records"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, to := q.Get("from"), q.Get("to")
		if from == "" || to == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "from and to are required (YYYY-MM-DD)")
			return
		}
		rng, err := daterange.New(from, to)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if rng.Days() > maxRangeDays {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "range spans %d days, maximum is %d", rng.Days(), maxRangeDays)
			return
		}

		requireAI := false
		if v := q.Get("ai"); v != "" {
			requireAI, err = strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "ai must be true or false")
				return
			}
		}

		records, err := deps.Service.Query(r.Context(), rng.From, rng.To, requireAI,
			pipeline.WithProgress(func(p pipeline.Progress) {
				slog.Debug("query progress", "range", rng.String(), "stage", p.Stage, "done", p.Done, "total", p.Total)
			}),
		)
		if err != nil {
			code, typ := queryErrorStatus(err)
			slog.Warn("feedback query failed", "range", rng.String(), "ai", requireAI, "error", err)
			httpError(w, code, typ, "%v", err)
			return
		}
		if records == nil {
			records = []feedback.Record{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(FeedbackResponse{
			From:    daterange.FormatDate(rng.From),
			To:      daterange.FormatDate(rng.To),
			AI:      requireAI && deps.AIEnabled,
			Count:   len(records),
			Records: records,
		})
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := make([]cache.Stats, 0, len(deps.Caches))
		for _, c := range deps.Caches {
			stats = append(stats, c.Stats())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"caches": stats})
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	AI      bool   `json:"ai"`
	Store   string `json:"store,omitempty"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Version: deps.Version, AI: deps.AIEnabled}
		code := http.StatusOK
		if deps.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			resp.Store = "ok"
			if err := deps.Store.Ping(ctx); err != nil {
				slog.Warn("health: store ping failed", "error", err)
				resp.Status = "degraded"
				resp.Store = "unavailable"
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	}
}
