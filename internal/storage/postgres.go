package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/feedbackd/internal/analysis"
	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/daterange"
	"github.com/kalambet/feedbackd/internal/feedback"
)

//go:embed pgmigrations/*.sql
var pgMigrationsFS embed.FS

// PostgresStore is the shared persistent store backed by a pgx pool.
type PostgresStore struct {
	pool     *pgxpool.Pool
	pageSize int
}

// OpenPostgres connects to dsn, applies migrations and verifies the pool.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	slog.Info("postgres store ready", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database)
	return &PostgresStore{pool: pool, pageSize: buildOptions(opts).pageSize}, nil
}

// migratePostgres applies the embedded migrations with golang-migrate.
func migratePostgres(dsn string) error {
	source, err := iofs.New(pgMigrationsFS, "pgmigrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	slog.Debug("postgres migrations applied", "version", version, "dirty", dirty)
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme golang-migrate
// registers for its pgx driver.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(dsn, prefix); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

const pgUpsertSQL = `
	INSERT INTO feedback (` + recordColumns + `, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())
	ON CONFLICT (id) DO UPDATE SET
		upstream_id  = excluded.upstream_id,
		date         = excluded.date,
		rating       = excluded.rating,
		status       = excluded.status,
		user_id      = excluded.user_id,
		user_name    = excluded.user_name,
		avatar       = excluded.avatar,
		image_url    = excluded.image_url,
		content_type = excluded.content_type,
		app_version  = excluded.app_version,
		category     = CASE WHEN excluded.sentiment = 'Pending' AND excluded.content = feedback.content THEN feedback.category ELSE excluded.category END,
		tags         = CASE WHEN excluded.sentiment = 'Pending' AND excluded.content = feedback.content THEN feedback.tags ELSE excluded.tags END,
		ai_summary   = CASE WHEN excluded.sentiment = 'Pending' AND excluded.content = feedback.content THEN feedback.ai_summary ELSE excluded.ai_summary END,
		sentiment    = CASE WHEN excluded.sentiment = 'Pending' AND excluded.content = feedback.content THEN feedback.sentiment ELSE excluded.sentiment END,
		content      = excluded.content,
		assigned_to  = CASE WHEN excluded.assigned_to = '' THEN feedback.assigned_to ELSE excluded.assigned_to END,
		updated_at   = now()`

// UpsertMany sends all upserts as one batch inside a transaction.
func (s *PostgresStore) UpsertMany(ctx context.Context, records []feedback.Record) (succeeded, failed int, err error) {
	if len(records) == 0 {
		return 0, 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, len(records), wrap("upsert", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(pgUpsertSQL,
			r.ID, r.UpstreamID, r.Date.UTC(), r.Content, r.Rating, string(r.Category),
			string(orPending(r.Sentiment)), encodeTags(r.Tags), string(r.Status), r.AssignedTo, r.AISummary,
			r.UserID, r.UserName, r.Avatar, r.ImageURL, r.ContentType, r.AppVersion,
		)
	}
	br := tx.SendBatch(ctx, b)
	for range records {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return 0, len(records), wrap("upsert", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, len(records), wrap("upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, len(records), wrap("upsert", err)
	}
	return len(records), 0, nil
}

// QueryRange behaves like SQLiteStore.QueryRange.
func (s *PostgresStore) QueryRange(ctx context.Context, from, to time.Time, fetchAll bool) ([]feedback.Record, int, error) {
	r := daterange.Range{From: from, To: to}
	lo, hi := r.StartOfDay(), r.EndOfDay()

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback WHERE date >= $1 AND date <= $2`, lo, hi,
	).Scan(&total); err != nil {
		return nil, 0, wrap("query range", err)
	}

	var out []feedback.Record
	for offset := 0; ; offset += s.pageSize {
		rows, err := s.pool.Query(ctx, `
			SELECT id, upstream_id, date, content, rating, category, sentiment, tags::text, status,
				assigned_to, ai_summary, user_id, user_name, avatar, image_url, content_type, app_version
			FROM feedback WHERE date >= $1 AND date <= $2
			ORDER BY date DESC, id ASC LIMIT $3 OFFSET $4`,
			lo, hi, s.pageSize, offset,
		)
		if err != nil {
			return nil, 0, wrap("query range", err)
		}
		page, err := pgx.CollectRows(rows, scanPgRecord)
		if err != nil {
			return nil, 0, wrap("query range", err)
		}
		out = append(out, page...)
		if !fetchAll || len(page) < s.pageSize {
			break
		}
	}
	return out, total, nil
}

func scanPgRecord(row pgx.CollectableRow) (feedback.Record, error) {
	var (
		r                           feedback.Record
		tags                        string
		category, sentiment, status string
	)
	if err := row.Scan(
		&r.ID, &r.UpstreamID, &r.Date, &r.Content, &r.Rating, &category, &sentiment, &tags, &status,
		&r.AssignedTo, &r.AISummary, &r.UserID, &r.UserName, &r.Avatar, &r.ImageURL, &r.ContentType, &r.AppVersion,
	); err != nil {
		return feedback.Record{}, err
	}
	r.Date = r.Date.UTC()
	r.Category = feedback.Category(category)
	r.Sentiment = feedback.Sentiment(sentiment)
	r.Status = feedback.Status(status)
	r.Tags = decodeTags(tags)
	return r, nil
}

// GetCachedAnalysis returns the stored analysis for content, or ErrNotFound.
func (s *PostgresStore) GetCachedAnalysis(ctx context.Context, content string) (analysis.Result, error) {
	h := cache.HashContent(content)
	found, err := s.LoadAnalyses(ctx, []string{h})
	if err != nil {
		return analysis.Result{}, err
	}
	r, ok := found[h]
	if !ok {
		return analysis.Result{}, ErrNotFound
	}
	return r, nil
}

// SetCachedAnalysis stores the analysis for content.
func (s *PostgresStore) SetCachedAnalysis(ctx context.Context, content string, r analysis.Result) error {
	return s.SaveAnalyses(ctx, map[string]analysis.Result{cache.HashContent(content): r})
}

// LoadAnalyses returns the stored analyses for the given content hashes.
func (s *PostgresStore) LoadAnalyses(ctx context.Context, hashes []string) (map[string]analysis.Result, error) {
	out := make(map[string]analysis.Result, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT content_hash, sentiment, category, tags::text, summary FROM analysis_cache WHERE content_hash = ANY($1)`,
		hashes,
	)
	if err != nil {
		return nil, wrap("load analyses", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h, sentiment, category, tags string
		var r analysis.Result
		if err := rows.Scan(&h, &sentiment, &category, &tags, &r.Summary); err != nil {
			return nil, wrap("load analyses", err)
		}
		r.Sentiment = feedback.Sentiment(sentiment)
		r.Category = feedback.Category(category)
		r.Tags = decodeTags(tags)
		out[h] = r
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load analyses", err)
	}
	return out, nil
}

// SaveAnalyses upserts analyses keyed by content hash as one batch.
func (s *PostgresStore) SaveAnalyses(ctx context.Context, results map[string]analysis.Result) error {
	b := &pgx.Batch{}
	for h, r := range results {
		if r.IsDefault() {
			continue
		}
		b.Queue(`
			INSERT INTO analysis_cache (content_hash, sentiment, category, tags, summary, updated_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, now())
			ON CONFLICT (content_hash) DO UPDATE SET
				sentiment = excluded.sentiment, category = excluded.category,
				tags = excluded.tags, summary = excluded.summary, updated_at = now()`,
			h, string(r.Sentiment), string(r.Category), encodeTags(r.Tags), r.Summary,
		)
	}
	if b.Len() == 0 {
		return nil
	}
	return wrap("save analyses", s.pool.SendBatch(ctx, b).Close())
}
