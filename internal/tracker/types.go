package tracker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source identifies one external listing site.
type Source string

// Supported listing sites.
const (
	SourceCarGurus   Source = "cargurus"
	SourceAutotrader Source = "autotrader"
	SourceCarsCom    Source = "cars.com"
)

// AllSources lists every supported site in the order adapters are registered.
var AllSources = []Source{SourceCarGurus, SourceAutotrader, SourceCarsCom}

// Valid reports whether s is one of the supported sites.
func (s Source) Valid() bool {
	switch s {
	case SourceCarGurus, SourceAutotrader, SourceCarsCom:
		return true
	default:
		return false
	}
}

// ParseSource maps a configured name onto a Source.
func ParseSource(name string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(name)))
	if s == "carscom" || s == "cars" {
		s = SourceCarsCom
	}
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

// TrackedModel is one immutable catalog entry.
type TrackedModel struct {
	ID    int64  `json:"id"`
	Make  string `json:"make"`
	Model string `json:"model"`
}

// Name returns the human-readable "Make Model" label.
func (m TrackedModel) Name() string {
	return m.Make + " " + m.Model
}

// RawCandidate is unvalidated adapter output. Empty strings mean the field was
// not found on the result card.
type RawCandidate struct {
	Source     Source
	ModelID    int64
	Price      string
	Mileage    string
	Year       string
	Location   string
	URL        string
	Title      string
	ObservedAt time.Time
}

// CanonicalListing is one normalized observation of a vehicle listing.
// Rows are immutable once persisted.
type CanonicalListing struct {
	ID        string    `json:"id"`
	ModelID   int64     `json:"model_id"`
	Source    Source    `json:"source"`
	Price     int64     `json:"price"`
	Mileage   *int      `json:"mileage"`
	Year      *int      `json:"year"`
	Location  *string   `json:"location"`
	Title     *string   `json:"title"`
	URL       string    `json:"url"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// DailyAggregate summarizes one model's listings for one calendar day.
type DailyAggregate struct {
	ModelID      int64  `json:"model_id"`
	Date         Day    `json:"date"`
	AvgPrice     int64  `json:"avg_price"`
	MinPrice     int64  `json:"min_price"`
	MaxPrice     int64  `json:"max_price"`
	ListingCount int    `json:"listing_count"`
	// AvgMileage is nil when no listing that day reported mileage.
	AvgMileage   *int64 `json:"avg_mileage"`
}

// Settings are the search parameters adapters read for every model scrape.
type Settings struct {
	ZipCode      string `json:"zip_code"`
	SearchRadius int    `json:"search_radius"`
}

// SettingsUpdate carries a partial settings change; nil fields are left alone.
type SettingsUpdate struct {
	ZipCode      *string `json:"zip_code"`
	SearchRadius *int    `json:"search_radius"`
}

// MaxSearchRadius bounds the radius accepted from callers.
const MaxSearchRadius = 500

// Validate checks the zip code shape and radius range.
func (s Settings) Validate() error {
	if len(s.ZipCode) != 5 || strings.Trim(s.ZipCode, "0123456789") != "" {
		return fmt.Errorf("%w: zip_code must be 5 digits", ErrInvalidSettings)
	}
	if s.SearchRadius <= 0 || s.SearchRadius > MaxSearchRadius {
		return fmt.Errorf("%w: search_radius must be between 1 and %d", ErrInvalidSettings, MaxSearchRadius)
	}
	return nil
}

// Apply returns a copy of s with the non-nil update fields applied.
func (s Settings) Apply(u SettingsUpdate) Settings {
	if u.ZipCode != nil {
		s.ZipCode = strings.TrimSpace(*u.ZipCode)
	}
	if u.SearchRadius != nil {
		s.SearchRadius = *u.SearchRadius
	}
	return s
}

// JobStatus is the lifecycle state of the scrape job.
type JobStatus string

// Scrape job states.
const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SourceFailure records one source that could not be scraped for one model.
type SourceFailure struct {
	ModelID int64  `json:"model_id"`
	Model   string `json:"model"`
	Source  Source `json:"source"`
	Error   string `json:"error"`
}

// JobCounters tracks what happened to candidates during a job.
type JobCounters struct {
	Candidates int `json:"candidates"`
	Malformed  int `json:"malformed"`
	Rejected   int `json:"rejected"`
	Inserted   int `json:"inserted"`
	Skipped    int `json:"skipped"`
}

// ScrapeJob is the process-wide scrape state. Only the orchestrator mutates it;
// everyone else receives copies.
type ScrapeJob struct {
	ID            string          `json:"id,omitempty"`
	Status        JobStatus       `json:"status"`
	TargetModelID *int64          `json:"target_model_id"`
	CurrentModel  string          `json:"current_model"`
	Progress      int             `json:"progress"`
	Total         int             `json:"total"`
	StartedAt     *time.Time      `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at"`
	Error         string          `json:"error,omitempty"`
	Failures      []SourceFailure `json:"failures"`
	Counters      JobCounters     `json:"counters"`
}

// Clone returns a deep copy safe to hand to readers.
func (j ScrapeJob) Clone() ScrapeJob {
	out := j
	if j.TargetModelID != nil {
		id := *j.TargetModelID
		out.TargetModelID = &id
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		out.StartedAt = &ts
	}
	if j.FinishedAt != nil {
		ts := *j.FinishedAt
		out.FinishedAt = &ts
	}
	out.Failures = append([]SourceFailure(nil), j.Failures...)
	if out.Failures == nil {
		out.Failures = []SourceFailure{}
	}
	return out
}

// MessageAttributes labels a published job snapshot so subscribers can filter
// without decoding the body.
func (j ScrapeJob) MessageAttributes() map[string]string {
	attrs := map[string]string{
		"job_id": j.ID,
		"status": string(j.Status),
	}
	if j.TargetModelID != nil {
		attrs["model_id"] = strconv.FormatInt(*j.TargetModelID, 10)
	}
	return attrs
}

// ModelSummary is a per-model roll-up over every persisted listing.
type ModelSummary struct {
	ModelID       int64
	ListingCount  int
	PriceSum      int64
	LastScrapedAt time.Time
}

// SortField names a sortable listing column.
type SortField string

// Listing sort columns.
const (
	SortByPrice     SortField = "price"
	SortByYear      SortField = "year"
	SortByMileage   SortField = "mileage"
	SortByScrapedAt SortField = "scraped_at"
)

// SortOrder is ascending or descending.
type SortOrder string

// Sort directions.
const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListingQuery pages through one model's listings.
type ListingQuery struct {
	ModelID   int64
	Limit     int
	Offset    int
	SortBy    SortField
	SortOrder SortOrder
}

// Listing query limits.
const (
	DefaultListingLimit = 50
	MaxListingLimit     = 500
)

// Normalize fills defaults and rejects unknown sort columns or directions.
func (q ListingQuery) Normalize() (ListingQuery, error) {
	if q.SortBy == "" {
		q.SortBy = SortByPrice
	}
	if q.SortOrder == "" {
		q.SortOrder = SortAsc
	}
	q.SortOrder = SortOrder(strings.ToLower(string(q.SortOrder)))
	switch q.SortBy {
	case SortByPrice, SortByYear, SortByMileage, SortByScrapedAt:
	default:
		return q, fmt.Errorf("%w: sort_by must be one of price, year, mileage, scraped_at", ErrInvalidQuery)
	}
	if q.SortOrder != SortAsc && q.SortOrder != SortDesc {
		return q, fmt.Errorf("%w: sort_order must be asc or desc", ErrInvalidQuery)
	}
	if q.Limit == 0 {
		q.Limit = DefaultListingLimit
	}
	if q.Limit < 0 || q.Limit > MaxListingLimit {
		return q, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxListingLimit)
	}
	if q.Offset < 0 {
		return q, fmt.Errorf("%w: offset must be >= 0", ErrInvalidQuery)
	}
	return q, nil
}
