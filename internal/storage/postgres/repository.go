// Package postgres persists the catalog, settings, listings and daily
// aggregates in Postgres through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Repository implements tracker.Repository on Postgres.
type Repository struct {
	pool pool
}

var _ tracker.Repository = (*Repository)(nil)

// Open connects using cfg.
func Open(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: p}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: p}, nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tracked_models (
	id BIGSERIAL PRIMARY KEY,
	make TEXT NOT NULL,
	model TEXT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tracked_models_make_model_idx ON tracked_models (lower(make), lower(model))`,
	`CREATE TABLE IF NOT EXISTS settings (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	zip_code TEXT NOT NULL,
	search_radius INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,
	model_id BIGINT NOT NULL REFERENCES tracked_models (id),
	source TEXT NOT NULL,
	price BIGINT NOT NULL CHECK (price > 0),
	mileage INTEGER,
	year INTEGER,
	location TEXT,
	title TEXT,
	url TEXT NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS listings_dedup_idx ON listings (model_id, source, url, scraped_at DESC)`,
	`CREATE INDEX IF NOT EXISTS listings_model_scraped_idx ON listings (model_id, scraped_at)`,
	`CREATE TABLE IF NOT EXISTS daily_aggregates (
	model_id BIGINT NOT NULL REFERENCES tracked_models (id),
	date DATE NOT NULL,
	avg_price BIGINT NOT NULL,
	min_price BIGINT NOT NULL,
	max_price BIGINT NOT NULL,
	listing_count INTEGER NOT NULL,
	avg_mileage BIGINT,
	PRIMARY KEY (model_id, date)
)`,
	`ALTER TABLE daily_aggregates ADD COLUMN IF NOT EXISTS avg_mileage BIGINT`,
}

// Migrate creates the schema if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SeedModels inserts catalog entries that are not present yet.
func (r *Repository) SeedModels(ctx context.Context, models []tracker.TrackedModel) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	for _, m := range models {
		if _, err := tx.Exec(ctx, `INSERT INTO tracked_models (make, model) VALUES ($1, $2) ON CONFLICT DO NOTHING`, m.Make, m.Model); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("seed model %s: %w", m.Name(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

// ListModels returns the catalog ordered by make then model.
func (r *Repository) ListModels(ctx context.Context) ([]tracker.TrackedModel, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, make, model FROM tracked_models ORDER BY lower(make), lower(model), id`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := []tracker.TrackedModel{}
	for rows.Next() {
		var m tracker.TrackedModel
		if err := rows.Scan(&m.ID, &m.Make, &m.Model); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetModel returns one catalog entry.
func (r *Repository) GetModel(ctx context.Context, id int64) (tracker.TrackedModel, error) {
	var m tracker.TrackedModel
	err := r.pool.QueryRow(ctx, `SELECT id, make, model FROM tracked_models WHERE id = $1`, id).Scan(&m.ID, &m.Make, &m.Model)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tracker.TrackedModel{}, fmt.Errorf("model %d: %w", id, tracker.ErrNotFound)
		}
		return tracker.TrackedModel{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// EnsureSettings writes defaults when no settings row exists.
func (r *Repository) EnsureSettings(ctx context.Context, defaults tracker.Settings) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO settings (id, zip_code, search_radius) VALUES (1, $1, $2) ON CONFLICT (id) DO NOTHING`,
		defaults.ZipCode, defaults.SearchRadius)
	if err != nil {
		return fmt.Errorf("ensure settings: %w", err)
	}
	return nil
}

// GetSettings reads the settings row.
func (r *Repository) GetSettings(ctx context.Context) (tracker.Settings, error) {
	var s tracker.Settings
	err := r.pool.QueryRow(ctx, `SELECT zip_code, search_radius FROM settings WHERE id = 1`).Scan(&s.ZipCode, &s.SearchRadius)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tracker.Settings{}, fmt.Errorf("settings: %w", tracker.ErrNotFound)
		}
		return tracker.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

// SaveSettings replaces the settings row.
func (r *Repository) SaveSettings(ctx context.Context, s tracker.Settings) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO settings (id, zip_code, search_radius) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET zip_code = EXCLUDED.zip_code, search_radius = EXCLUDED.search_radius`,
		s.ZipCode, s.SearchRadius)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LastSeen returns the latest scraped_at for (model, source, url).
func (r *Repository) LastSeen(ctx context.Context, modelID int64, source tracker.Source, url string) (time.Time, bool, error) {
	var last *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT max(scraped_at) FROM listings WHERE model_id = $1 AND source = $2 AND url = $3`,
		modelID, string(source), url).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last seen: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return last.UTC(), true, nil
}

const listingColumns = `id, model_id, source, price, mileage, year, location, title, url, scraped_at`

// InsertListing writes one immutable listing row.
func (r *Repository) InsertListing(ctx context.Context, l tracker.CanonicalListing) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO listings (`+listingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.ModelID, string(l.Source), l.Price, l.Mileage, l.Year, l.Location, l.Title, l.URL, l.ScrapedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

// ListingsBetween returns a model's listings with scraped_at in [from, to).
func (r *Repository) ListingsBetween(ctx context.Context, modelID int64, from, to time.Time) ([]tracker.CanonicalListing, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE model_id = $1 AND scraped_at >= $2 AND scraped_at < $3 ORDER BY scraped_at, id`,
		modelID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("listings between: %w", err)
	}
	return collectListings(rows)
}

var sortColumns = map[tracker.SortField]string{
	tracker.SortByPrice:     "price",
	tracker.SortByYear:      "year",
	tracker.SortByMileage:   "mileage",
	tracker.SortByScrapedAt: "scraped_at",
}

// QueryListings pages through a model's listings. Rows with a NULL sort
// column come last in either direction.
func (r *Repository) QueryListings(ctx context.Context, query tracker.ListingQuery) ([]tracker.CanonicalListing, error) {
	q, err := query.Normalize()
	if err != nil {
		return nil, err
	}
	direction := "ASC"
	if q.SortOrder == tracker.SortDesc {
		direction = "DESC"
	}
	sql := fmt.Sprintf(`SELECT %s FROM listings WHERE model_id = $1 ORDER BY %s %s NULLS LAST, id ASC LIMIT $2 OFFSET $3`,
		listingColumns, sortColumns[q.SortBy], direction)
	rows, err := r.pool.Query(ctx, sql, q.ModelID, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	return collectListings(rows)
}

func collectListings(rows pgx.Rows) ([]tracker.CanonicalListing, error) {
	defer rows.Close()
	out := []tracker.CanonicalListing{}
	for rows.Next() {
		var (
			l      tracker.CanonicalListing
			source string
		)
		if err := rows.Scan(&l.ID, &l.ModelID, &source, &l.Price, &l.Mileage, &l.Year, &l.Location, &l.Title, &l.URL, &l.ScrapedAt); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.Source = tracker.Source(source)
		l.ScrapedAt = l.ScrapedAt.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

// ModelSummaries rolls listings up per model.
func (r *Repository) ModelSummaries(ctx context.Context) ([]tracker.ModelSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT model_id, count(*), sum(price), max(scraped_at) FROM listings GROUP BY model_id ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("model summaries: %w", err)
	}
	defer rows.Close()
	out := []tracker.ModelSummary{}
	for rows.Next() {
		var s tracker.ModelSummary
		if err := rows.Scan(&s.ModelID, &s.ListingCount, &s.PriceSum, &s.LastScrapedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.LastScrapedAt = s.LastScrapedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertAggregate replaces the row for (model, date).
func (r *Repository) UpsertAggregate(ctx context.Context, agg tracker.DailyAggregate) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO daily_aggregates (model_id, date, avg_price, min_price, max_price, listing_count, avg_mileage)
VALUES ($1, $2::date, $3, $4, $5, $6, $7)
ON CONFLICT (model_id, date) DO UPDATE SET
	avg_price = EXCLUDED.avg_price,
	min_price = EXCLUDED.min_price,
	max_price = EXCLUDED.max_price,
	listing_count = EXCLUDED.listing_count,
	avg_mileage = EXCLUDED.avg_mileage`,
		agg.ModelID, string(agg.Date), agg.AvgPrice, agg.MinPrice, agg.MaxPrice, agg.ListingCount, agg.AvgMileage)
	if err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}

// DeleteAggregate removes the row for (model, date).
func (r *Repository) DeleteAggregate(ctx context.Context, modelID int64, day tracker.Day) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM daily_aggregates WHERE model_id = $1 AND date = $2::date`, modelID, string(day)); err != nil {
		return fmt.Errorf("delete aggregate: %w", err)
	}
	return nil
}

// AggregatesSince returns rows dated on or after since, oldest first.
func (r *Repository) AggregatesSince(ctx context.Context, modelID int64, since tracker.Day) ([]tracker.DailyAggregate, error) {
	rows, err := r.pool.Query(ctx, `SELECT model_id, to_char(date, 'YYYY-MM-DD'), avg_price, min_price, max_price, listing_count, avg_mileage
FROM daily_aggregates WHERE model_id = $1 AND date >= $2::date ORDER BY date`, modelID, string(since))
	if err != nil {
		return nil, fmt.Errorf("aggregates since: %w", err)
	}
	defer rows.Close()
	out := []tracker.DailyAggregate{}
	for rows.Next() {
		var (
			agg tracker.DailyAggregate
			day string
		)
		if err := rows.Scan(&agg.ModelID, &day, &agg.AvgPrice, &agg.MinPrice, &agg.MaxPrice, &agg.ListingCount, &agg.AvgMileage); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.Date = tracker.Day(day)
		out = append(out, agg)
	}
	return out, rows.Err()
}
