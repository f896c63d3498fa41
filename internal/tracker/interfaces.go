package tracker

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FetchRequest describes one search-results page load.
type FetchRequest struct {
	Source Source
	URL    string
	// WaitSelector is a CSS selector the headless driver waits for before
	// capturing the DOM. Drivers that cannot wait ignore it.
	WaitSelector string
	Headers      http.Header
}

// FetchResponse is what a page fetch driver returns.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// PageFetcher is the opaque page fetch driver adapters call into.
type PageFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Batch is the result of one adapter fetch.
type Batch struct {
	Source     Source
	Candidates []RawCandidate
	Malformed  int
}

// SourceAdapter loads and parses one site's search results for a model.
// Fetch returns an empty batch when the site has no results and wraps
// ErrSourceUnavailable when the site cannot be reached after retries.
type SourceAdapter interface {
	Source() Source
	Fetch(ctx context.Context, model TrackedModel, settings Settings) (Batch, error)
}

// CatalogStore serves the tracked model catalog, ordered by make then model.
type CatalogStore interface {
	SeedModels(ctx context.Context, models []TrackedModel) error
	ListModels(ctx context.Context) ([]TrackedModel, error)
	GetModel(ctx context.Context, id int64) (TrackedModel, error)
}

// SettingsStore persists the single settings row.
type SettingsStore interface {
	EnsureSettings(ctx context.Context, defaults Settings) error
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, settings Settings) error
}

// ListingStore persists immutable listing observations.
type ListingStore interface {
	// LastSeen returns the most recent scraped_at for the de-dup key.
	LastSeen(ctx context.Context, modelID int64, source Source, url string) (time.Time, bool, error)
	InsertListing(ctx context.Context, listing CanonicalListing) error
	// ListingsBetween returns a model's listings with scraped_at in [from, to).
	ListingsBetween(ctx context.Context, modelID int64, from, to time.Time) ([]CanonicalListing, error)
	QueryListings(ctx context.Context, query ListingQuery) ([]CanonicalListing, error)
	ModelSummaries(ctx context.Context) ([]ModelSummary, error)
}

// AggregateStore persists one DailyAggregate per (model, day).
type AggregateStore interface {
	UpsertAggregate(ctx context.Context, agg DailyAggregate) error
	DeleteAggregate(ctx context.Context, modelID int64, day Day) error
	// AggregatesSince returns rows with date >= since in ascending date order.
	AggregatesSince(ctx context.Context, modelID int64, since Day) ([]DailyAggregate, error)
}

// Repository bundles every store the service needs.
type Repository interface {
	CatalogStore
	SettingsStore
	ListingStore
	AggregateStore
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces listing and job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
