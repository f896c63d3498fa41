// Package sqlite persists tracker state in a single SQLite file. Timestamps
// are stored as fixed-width UTC text so string comparison matches time order.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // driver registration

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Config locates the database file.
type Config struct {
	Path string
}

// Repository implements tracker.Repository on SQLite.
type Repository struct {
	db *sql.DB
}

var _ tracker.Repository = (*Repository)(nil)

// Open creates the parent directory, opens the database and enables foreign
// keys and WAL.
func Open(cfg Config) (*Repository, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage.sqlite.path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma foreign_keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma journal_mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tracked_models (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	make TEXT NOT NULL COLLATE NOCASE,
	model TEXT NOT NULL COLLATE NOCASE,
	UNIQUE (make, model)
);
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	zip_code TEXT NOT NULL,
	search_radius INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,
	model_id INTEGER NOT NULL REFERENCES tracked_models (id),
	source TEXT NOT NULL,
	price INTEGER NOT NULL CHECK (price > 0),
	mileage INTEGER,
	year INTEGER,
	location TEXT,
	title TEXT,
	url TEXT NOT NULL,
	scraped_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS listings_dedup_idx ON listings (model_id, source, url, scraped_at);
CREATE INDEX IF NOT EXISTS listings_model_scraped_idx ON listings (model_id, scraped_at);
CREATE TABLE IF NOT EXISTS daily_aggregates (
	model_id INTEGER NOT NULL REFERENCES tracked_models (id),
	date TEXT NOT NULL,
	avg_price INTEGER NOT NULL,
	min_price INTEGER NOT NULL,
	max_price INTEGER NOT NULL,
	listing_count INTEGER NOT NULL,
	avg_mileage INTEGER,
	PRIMARY KEY (model_id, date)
);
`

// Migrate creates the schema if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// Databases created before avg_mileage existed.
	var found int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('daily_aggregates') WHERE name = 'avg_mileage'`).Scan(&found); err != nil {
		return fmt.Errorf("migrate: inspect daily_aggregates: %w", err)
	}
	if found == 0 {
		if _, err := r.db.ExecContext(ctx, `ALTER TABLE daily_aggregates ADD COLUMN avg_mileage INTEGER`); err != nil {
			return fmt.Errorf("migrate: add avg_mileage: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// SeedModels inserts catalog entries that are not present yet.
func (r *Repository) SeedModels(ctx context.Context, models []tracker.TrackedModel) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	for _, m := range models {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tracked_models (make, model) VALUES (?, ?)`, m.Make, m.Model); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("seed model %s: %w", m.Name(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

// ListModels returns the catalog ordered by make then model.
func (r *Repository) ListModels(ctx context.Context) ([]tracker.TrackedModel, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, make, model FROM tracked_models ORDER BY make, model, id`)
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
	err := r.db.QueryRowContext(ctx, `SELECT id, make, model FROM tracked_models WHERE id = ?`, id).Scan(&m.ID, &m.Make, &m.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.TrackedModel{}, fmt.Errorf("model %d: %w", id, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.TrackedModel{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// EnsureSettings writes defaults when no settings row exists.
func (r *Repository) EnsureSettings(ctx context.Context, defaults tracker.Settings) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO settings (id, zip_code, search_radius) VALUES (1, ?, ?)`,
		defaults.ZipCode, defaults.SearchRadius)
	if err != nil {
		return fmt.Errorf("ensure settings: %w", err)
	}
	return nil
}

// GetSettings reads the settings row.
func (r *Repository) GetSettings(ctx context.Context) (tracker.Settings, error) {
	var s tracker.Settings
	err := r.db.QueryRowContext(ctx, `SELECT zip_code, search_radius FROM settings WHERE id = 1`).Scan(&s.ZipCode, &s.SearchRadius)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.Settings{}, fmt.Errorf("settings: %w", tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

// SaveSettings replaces the settings row.
func (r *Repository) SaveSettings(ctx context.Context, s tracker.Settings) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO settings (id, zip_code, search_radius) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET zip_code = excluded.zip_code, search_radius = excluded.search_radius`,
		s.ZipCode, s.SearchRadius)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LastSeen returns the latest scraped_at for (model, source, url).
func (r *Repository) LastSeen(ctx context.Context, modelID int64, source tracker.Source, url string) (time.Time, bool, error) {
	var last sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT max(scraped_at) FROM listings WHERE model_id = ? AND source = ? AND url = ?`,
		modelID, string(source), url).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last seen: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	ts, err := parseTime(last.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

const listingColumns = `id, model_id, source, price, mileage, year, location, title, url, scraped_at`

// InsertListing writes one immutable listing row.
func (r *Repository) InsertListing(ctx context.Context, l tracker.CanonicalListing) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO listings (`+listingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ModelID, string(l.Source), l.Price, nullInt(l.Mileage), nullInt(l.Year),
		nullString(l.Location), nullString(l.Title), l.URL, formatTime(l.ScrapedAt))
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// ListingsBetween returns a model's listings with scraped_at in [from, to).
func (r *Repository) ListingsBetween(ctx context.Context, modelID int64, from, to time.Time) ([]tracker.CanonicalListing, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE model_id = ? AND scraped_at >= ? AND scraped_at < ? ORDER BY scraped_at, id`,
		modelID, formatTime(from), formatTime(to))
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

// QueryListings pages through a model's listings with NULL sort values last.
func (r *Repository) QueryListings(ctx context.Context, query tracker.ListingQuery) ([]tracker.CanonicalListing, error) {
	q, err := query.Normalize()
	if err != nil {
		return nil, err
	}
	col := sortColumns[q.SortBy]
	direction := strings.ToUpper(string(q.SortOrder))
	stmt := fmt.Sprintf(`SELECT %s FROM listings WHERE model_id = ? ORDER BY %s IS NULL, %s %s, id ASC LIMIT ? OFFSET ?`,
		listingColumns, col, col, direction)
	rows, err := r.db.QueryContext(ctx, stmt, q.ModelID, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	return collectListings(rows)
}

func collectListings(rows *sql.Rows) ([]tracker.CanonicalListing, error) {
	defer rows.Close()
	out := []tracker.CanonicalListing{}
	for rows.Next() {
		var (
			l               tracker.CanonicalListing
			source, scraped string
			mileage, year   sql.NullInt64
			location, title sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ModelID, &source, &l.Price, &mileage, &year, &location, &title, &l.URL, &scraped); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		ts, err := parseTime(scraped)
		if err != nil {
			return nil, err
		}
		l.Source = tracker.Source(source)
		l.ScrapedAt = ts
		l.Mileage = intPtr(mileage)
		l.Year = intPtr(year)
		l.Location = stringPtr(location)
		l.Title = stringPtr(title)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// ModelSummaries rolls listings up per model.
func (r *Repository) ModelSummaries(ctx context.Context) ([]tracker.ModelSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT model_id, count(*), sum(price), max(scraped_at) FROM listings GROUP BY model_id ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("model summaries: %w", err)
	}
	defer rows.Close()
	out := []tracker.ModelSummary{}
	for rows.Next() {
		var (
			s    tracker.ModelSummary
			last string
		)
		if err := rows.Scan(&s.ModelID, &s.ListingCount, &s.PriceSum, &last); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if s.LastScrapedAt, err = parseTime(last); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertAggregate replaces the row for (model, date).
func (r *Repository) UpsertAggregate(ctx context.Context, agg tracker.DailyAggregate) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO daily_aggregates (model_id, date, avg_price, min_price, max_price, listing_count, avg_mileage)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (model_id, date) DO UPDATE SET
	avg_price = excluded.avg_price,
	min_price = excluded.min_price,
	max_price = excluded.max_price,
	listing_count = excluded.listing_count,
	avg_mileage = excluded.avg_mileage`,
		agg.ModelID, string(agg.Date), agg.AvgPrice, agg.MinPrice, agg.MaxPrice, agg.ListingCount, nullInt64(agg.AvgMileage))
	if err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}

// DeleteAggregate removes the row for (model, date).
func (r *Repository) DeleteAggregate(ctx context.Context, modelID int64, day tracker.Day) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM daily_aggregates WHERE model_id = ? AND date = ?`, modelID, string(day)); err != nil {
		return fmt.Errorf("delete aggregate: %w", err)
	}
	return nil
}

// AggregatesSince returns rows dated on or after since, oldest first.
func (r *Repository) AggregatesSince(ctx context.Context, modelID int64, since tracker.Day) ([]tracker.DailyAggregate, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT model_id, date, avg_price, min_price, max_price, listing_count, avg_mileage
FROM daily_aggregates WHERE model_id = ? AND date >= ? ORDER BY date`, modelID, string(since))
	if err != nil {
		return nil, fmt.Errorf("aggregates since: %w", err)
	}
	defer rows.Close()
	out := []tracker.DailyAggregate{}
	for rows.Next() {
		var (
			agg     tracker.DailyAggregate
			day     string
			mileage sql.NullInt64
		)
		if err := rows.Scan(&agg.ModelID, &day, &agg.AvgPrice, &agg.MinPrice, &agg.MaxPrice, &agg.ListingCount, &mileage); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.Date = tracker.Day(day)
		if mileage.Valid {
			agg.AvgMileage = &mileage.Int64
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}
