package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/feedbackd/internal/analysis"
	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/daterange"
	"github.com/kalambet/feedbackd/internal/feedback"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite caps bound parameters per statement; hash lookups are split below it.
const maxInParams = 500

// Option configures a store.
type Option func(*options)

type options struct {
	pageSize int
}

// WithPageSize sets the page size used when a range read pages through all rows.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SQLiteStore is the embedded persistent store: feedback records plus the
// content-hash analysis mirror.
type SQLiteStore struct {
	db       *sql.DB
	pageSize int
}

// OpenSQLite opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by tests).
func OpenSQLite(dataDir string, opts ...Option) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "feedbackd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db, pageSize: buildOptions(opts).pageSize}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *SQLiteStore) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Feedback ---

const recordColumns = `id, upstream_id, date, content, rating, category, sentiment, tags, status,
	assigned_to, ai_summary, user_id, user_name, avatar, image_url, content_type, app_version`

// upsertSQL never downgrades enrichment: an incoming Pending row for unchanged
// content keeps the stored analysis, and an empty assignee keeps the stored one.
const sqliteUpsertSQL = `
	INSERT INTO feedback (` + recordColumns + `, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
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
		updated_at   = excluded.updated_at`

// UpsertMany writes records in a single transaction, keyed by id. On failure
// nothing is committed and every record is reported failed.
func (s *SQLiteStore) UpsertMany(ctx context.Context, records []feedback.Record) (succeeded, failed int, err error) {
	if len(records) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, len(records), wrap("upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertSQL)
	if err != nil {
		return 0, len(records), wrap("upsert", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.UpstreamID, formatTime(r.Date), r.Content, r.Rating, string(r.Category),
			string(orPending(r.Sentiment)), encodeTags(r.Tags), string(r.Status), r.AssignedTo, r.AISummary,
			r.UserID, r.UserName, r.Avatar, r.ImageURL, r.ContentType, r.AppVersion, now,
		); err != nil {
			return 0, len(records), wrap("upsert", fmt.Errorf("record %s: %w", r.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, len(records), wrap("upsert", err)
	}
	return len(records), 0, nil
}

// QueryRange returns records dated within [from, end of to], newest first,
// and the total number of matching rows. Without fetchAll only the first page
// is returned; with it, pages are read until a short one.
func (s *SQLiteStore) QueryRange(ctx context.Context, from, to time.Time, fetchAll bool) ([]feedback.Record, int, error) {
	r := daterange.Range{From: from, To: to}
	lo, hi := formatTime(r.StartOfDay()), formatTime(r.EndOfDay())

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE date >= ? AND date <= ?`, lo, hi,
	).Scan(&total); err != nil {
		return nil, 0, wrap("query range", err)
	}

	var out []feedback.Record
	for offset := 0; ; offset += s.pageSize {
		page, err := s.queryPage(ctx, lo, hi, offset)
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

func (s *SQLiteStore) queryPage(ctx context.Context, lo, hi string, offset int) ([]feedback.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM feedback WHERE date >= ? AND date <= ?
		ORDER BY date DESC, id ASC LIMIT ? OFFSET ?`,
		lo, hi, s.pageSize, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []feedback.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, r)
	}
	return page, rows.Err()
}

// GetRecord returns a single record by id.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (feedback.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM feedback WHERE id = ?`, id)
	r, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return feedback.Record{}, ErrNotFound
	}
	if err != nil {
		return feedback.Record{}, wrap("get record", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(sc scanner) (feedback.Record, error) {
	var (
		r                           feedback.Record
		date, tags                  string
		category, sentiment, status string
	)
	if err := sc.Scan(
		&r.ID, &r.UpstreamID, &date, &r.Content, &r.Rating, &category, &sentiment, &tags, &status,
		&r.AssignedTo, &r.AISummary, &r.UserID, &r.UserName, &r.Avatar, &r.ImageURL, &r.ContentType, &r.AppVersion,
	); err != nil {
		return feedback.Record{}, err
	}
	t, err := parseTime(date)
	if err != nil {
		return feedback.Record{}, fmt.Errorf("parsing date for %s: %w", r.ID, err)
	}
	r.Date = t
	r.Category = feedback.Category(category)
	r.Sentiment = feedback.Sentiment(sentiment)
	r.Status = feedback.Status(status)
	r.Tags = decodeTags(tags)
	return r, nil
}

func orPending(s feedback.Sentiment) feedback.Sentiment {
	if s == "" {
		return feedback.Pending
	}
	return s
}

// --- Analysis cache ---

// GetCachedAnalysis returns the stored analysis for content, or ErrNotFound.
func (s *SQLiteStore) GetCachedAnalysis(ctx context.Context, content string) (analysis.Result, error) {
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
func (s *SQLiteStore) SetCachedAnalysis(ctx context.Context, content string, r analysis.Result) error {
	return s.SaveAnalyses(ctx, map[string]analysis.Result{cache.HashContent(content): r})
}

// LoadAnalyses returns the stored analyses for the given content hashes.
// Hashes with no row are absent from the map.
func (s *SQLiteStore) LoadAnalyses(ctx context.Context, hashes []string) (map[string]analysis.Result, error) {
	out := make(map[string]analysis.Result, len(hashes))
	for part := range slices.Chunk(hashes, maxInParams) {
		args := make([]any, len(part))
		for i, h := range part {
			args[i] = h
		}
		query := `SELECT content_hash, sentiment, category, tags, summary FROM analysis_cache
			WHERE content_hash IN (?` + strings.Repeat(",?", len(part)-1) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, wrap("load analyses", err)
		}
		for rows.Next() {
			var h, sentiment, category, tags string
			var r analysis.Result
			if err := rows.Scan(&h, &sentiment, &category, &tags, &r.Summary); err != nil {
				rows.Close()
				return nil, wrap("load analyses", err)
			}
			r.Sentiment = feedback.Sentiment(sentiment)
			r.Category = feedback.Category(category)
			r.Tags = decodeTags(tags)
			out[h] = r
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, wrap("load analyses", err)
		}
	}
	return out, nil
}

// SaveAnalyses upserts analyses keyed by content hash in one transaction.
func (s *SQLiteStore) SaveAnalyses(ctx context.Context, results map[string]analysis.Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("save analyses", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO analysis_cache (content_hash, sentiment, category, tags, summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			sentiment = excluded.sentiment, category = excluded.category,
			tags = excluded.tags, summary = excluded.summary, updated_at = excluded.updated_at`)
	if err != nil {
		return wrap("save analyses", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for h, r := range results {
		if r.IsDefault() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, h, string(r.Sentiment), string(r.Category), encodeTags(r.Tags), r.Summary, now); err != nil {
			return wrap("save analyses", err)
		}
	}
	return wrap("save analyses", tx.Commit())
}
