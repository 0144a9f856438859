package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/feedbackd/internal/analysis"
	"github.com/kalambet/feedbackd/internal/api"
	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/config"
	"github.com/kalambet/feedbackd/internal/engine"
	"github.com/kalambet/feedbackd/internal/feedback"
	"github.com/kalambet/feedbackd/internal/persist"
	"github.com/kalambet/feedbackd/internal/pipeline"
	"github.com/kalambet/feedbackd/internal/storage"
	"github.com/kalambet/feedbackd/internal/upstream"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the feedbackd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

// appStore is everything the process needs from a storage backend.
type appStore interface {
	pipeline.Store
	persist.Upserter
	analysis.Mirror
	api.Pinger
	Close() error
}

// app is the wired process: store, background writer and query service.
type app struct {
	cfg      config.Config
	store    appStore
	writer   *persist.Writer
	service  *pipeline.Service
	analyzer *analysis.Analyzer // nil when AI is disabled
}

// caches lists every cache whose stats are exposed over HTTP.
func (a *app) caches() []api.StatsSource {
	out := []api.StatsSource{a.service.Queries()}
	if a.analyzer != nil {
		out = append(out, a.analyzer.Cache())
	}
	return out
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(ctx context.Context, cfg config.StorageConfig) (appStore, error) {
	opts := []storage.Option{storage.WithPageSize(cfg.PageSize)}
	if cfg.Driver == config.DriverPostgres {
		s, err := storage.OpenPostgres(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := storage.OpenSQLite(cfg.DataDir, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newAnalyzer connects to the configured AI provider. Progress of a model
// pull is written to w.
func newAnalyzer(ctx context.Context, cfg config.AIConfig, contents []cache.ContentOption, mirror analysis.Mirror, w io.Writer) (*analysis.Analyzer, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Provider,
		OllamaBaseURL: cfg.OllamaURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting AI provider: %w", err)
	}

	// Hosted providers do not support pulling; only check reachability.
	model := cfg.Model
	if cfg.Provider == engine.ProviderOpenAI {
		model = ""
	}
	if err := engine.EnsureReady(ctx, eng, model, w); err != nil {
		return nil, err
	}

	return analysis.New(eng, cache.NewContentCache[analysis.Result]("content", contents...), mirror, analysis.Config{
		Model:       cfg.Model,
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
	}), nil
}

// buildApp opens the store and wires the query service. The caller must
// start a.writer.Run and close a.store.
func buildApp(ctx context.Context, cfg config.Config, w io.Writer) (*app, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	client := upstream.New(cfg.Upstream.BaseURL,
		upstream.WithToken(cfg.Upstream.Token),
		upstream.WithTimeout(cfg.Upstream.Timeout),
	)
	fetcher := upstream.WithRetry(client, cfg.Upstream.Retries)

	writer := persist.NewWriter(store, cfg.Persist.QueueSize)
	opts := []pipeline.Option{pipeline.WithStore(store), pipeline.WithPersister(writer)}

	a := &app{cfg: cfg, store: store, writer: writer}
	if cfg.AI.Enabled {
		an, err := newAnalyzer(ctx, cfg.AI, contentOptions(cfg.Cache), store, w)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.analyzer = an
		opts = append(opts, pipeline.WithAnalyzer(an))
	}

	queries := cache.NewQueryCache[[]feedback.Record]("query", cfg.Cache.QuerySize, cfg.Cache.QueryTTL)
	a.service = pipeline.New(fetcher, queries, pipeline.Config{
		MaxDaysPerChunk:  cfg.Upstream.MaxDaysPerChunk,
		FetchConcurrency: cfg.Upstream.Concurrency,
	}, opts...)
	return a, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "feedbackd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// The writer outlives the HTTP server so requests finishing during
	// shutdown can still enqueue their records.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	go a.writer.Run(writerCtx)

	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured; data routes are unauthenticated")
	}

	topRouter := chi.NewRouter()
	topRouter.Mount("/", api.NewHandler(api.Deps{
		Service:   a.service,
		Caches:    a.caches(),
		Store:     a.store,
		Token:     cfg.Server.APIToken,
		AIEnabled: a.service.AIEnabled(),
		Version:   version,
	}))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	if withMCP {
		deps := api.MCPDeps{Service: a.service, Version: version}
		if a.analyzer != nil {
			deps.Analyzer = a.analyzer
		}
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "feedbackd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	stopWriter()
	select {
	case <-a.writer.Done():
	case <-time.After(30 * time.Second):
		slog.Warn("persistence queue not drained before exit", "pending", a.writer.Pending())
	}
	return serveErr
}

func contentOptions(cfg config.CacheConfig) []cache.ContentOption {
	return []cache.ContentOption{
		cache.WithTTL(cfg.ContentTTL),
		cache.WithCapacity(cfg.ContentSize),
	}
}
