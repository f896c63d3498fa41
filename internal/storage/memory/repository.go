// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

type listingKey struct {
	modelID int64
	source  tracker.Source
	url     string
}

type aggregateKey struct {
	modelID int64
	day     tracker.Day
}

// Repository implements tracker.Repository with maps guarded by a RWMutex.
type Repository struct {
	mu          sync.RWMutex
	models      []tracker.TrackedModel
	nextModelID int64
	settings    *tracker.Settings
	listings    []tracker.CanonicalListing
	listingIDs  map[string]struct{}
	lastSeen    map[listingKey]time.Time
	aggregates  map[aggregateKey]tracker.DailyAggregate
}

var _ tracker.Repository = (*Repository)(nil)

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		nextModelID: 1,
		listingIDs:  make(map[string]struct{}),
		lastSeen:    make(map[listingKey]time.Time),
		aggregates:  make(map[aggregateKey]tracker.DailyAggregate),
	}
}

// SeedModels inserts models that are not already present, assigning IDs in
// input order.
func (r *Repository) SeedModels(_ context.Context, models []tracker.TrackedModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		if r.findModel(m.Make, m.Model) {
			continue
		}
		m.ID = r.nextModelID
		r.nextModelID++
		r.models = append(r.models, m)
	}
	tracker.SortCatalog(r.models)
	return nil
}

func (r *Repository) findModel(mk, model string) bool {
	for _, existing := range r.models {
		if strings.EqualFold(existing.Make, mk) && strings.EqualFold(existing.Model, model) {
			return true
		}
	}
	return false
}

// ListModels returns the catalog in make/model order.
func (r *Repository) ListModels(_ context.Context) ([]tracker.TrackedModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tracker.TrackedModel, len(r.models))
	copy(out, r.models)
	return out, nil
}

// GetModel fetches one model by ID.
func (r *Repository) GetModel(_ context.Context, id int64) (tracker.TrackedModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.ID == id {
			return m, nil
		}
	}
	return tracker.TrackedModel{}, fmt.Errorf("model %d: %w", id, tracker.ErrNotFound)
}

// EnsureSettings stores defaults when no settings exist yet.
func (r *Repository) EnsureSettings(_ context.Context, defaults tracker.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings == nil {
		s := defaults
		r.settings = &s
	}
	return nil
}

// GetSettings returns the stored settings.
func (r *Repository) GetSettings(_ context.Context) (tracker.Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.settings == nil {
		return tracker.Settings{}, fmt.Errorf("settings: %w", tracker.ErrNotFound)
	}
	return *r.settings, nil
}

// SaveSettings overwrites the stored settings.
func (r *Repository) SaveSettings(_ context.Context, settings tracker.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := settings
	r.settings = &s
	return nil
}

// LastSeen returns the latest scraped_at recorded for the key.
func (r *Repository) LastSeen(_ context.Context, modelID int64, source tracker.Source, url string) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.lastSeen[listingKey{modelID: modelID, source: source, url: url}]
	return ts, ok, nil
}

// InsertListing appends an immutable listing row.
func (r *Repository) InsertListing(_ context.Context, listing tracker.CanonicalListing) error {
	if listing.ID == "" {
		return fmt.Errorf("listing id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.listingIDs[listing.ID]; exists {
		return fmt.Errorf("listing %s already exists", listing.ID)
	}
	r.listingIDs[listing.ID] = struct{}{}
	r.listings = append(r.listings, listing)
	key := listingKey{modelID: listing.ModelID, source: listing.Source, url: listing.URL}
	if prev, ok := r.lastSeen[key]; !ok || listing.ScrapedAt.After(prev) {
		r.lastSeen[key] = listing.ScrapedAt
	}
	return nil
}

// ListingsBetween returns a model's listings with scraped_at in [from, to).
func (r *Repository) ListingsBetween(_ context.Context, modelID int64, from, to time.Time) ([]tracker.CanonicalListing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tracker.CanonicalListing
	for _, l := range r.listings {
		if l.ModelID != modelID {
			continue
		}
		if l.ScrapedAt.Before(from) || !l.ScrapedAt.Before(to) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// QueryListings pages through one model's listings.
func (r *Repository) QueryListings(_ context.Context, query tracker.ListingQuery) ([]tracker.CanonicalListing, error) {
	r.mu.RLock()
	matched := make([]tracker.CanonicalListing, 0)
	for _, l := range r.listings {
		if l.ModelID == query.ModelID {
			matched = append(matched, l)
		}
	}
	r.mu.RUnlock()

	tracker.SortListings(matched, query.SortBy, query.SortOrder)
	if query.Offset >= len(matched) {
		return []tracker.CanonicalListing{}, nil
	}
	end := len(matched)
	if query.Limit > 0 && query.Offset+query.Limit < end {
		end = query.Offset + query.Limit
	}
	return matched[query.Offset:end], nil
}

// ModelSummaries rolls listings up per model.
func (r *Repository) ModelSummaries(_ context.Context) ([]tracker.ModelSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byModel := make(map[int64]*tracker.ModelSummary)
	for _, l := range r.listings {
		s, ok := byModel[l.ModelID]
		if !ok {
			s = &tracker.ModelSummary{ModelID: l.ModelID}
			byModel[l.ModelID] = s
		}
		s.ListingCount++
		s.PriceSum += l.Price
		if l.ScrapedAt.After(s.LastScrapedAt) {
			s.LastScrapedAt = l.ScrapedAt
		}
	}
	out := make([]tracker.ModelSummary, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// UpsertAggregate replaces the row for (model, day).
func (r *Repository) UpsertAggregate(_ context.Context, agg tracker.DailyAggregate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregates[aggregateKey{modelID: agg.ModelID, day: agg.Date}] = cloneAggregate(agg)
	return nil
}

func cloneAggregate(agg tracker.DailyAggregate) tracker.DailyAggregate {
	if agg.AvgMileage != nil {
		m := *agg.AvgMileage
		agg.AvgMileage = &m
	}
	return agg
}

// DeleteAggregate removes the row for (model, day) if present.
func (r *Repository) DeleteAggregate(_ context.Context, modelID int64, day tracker.Day) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aggregates, aggregateKey{modelID: modelID, day: day})
	return nil
}

// AggregatesSince returns rows dated on or after since, oldest first.
func (r *Repository) AggregatesSince(_ context.Context, modelID int64, since tracker.Day) ([]tracker.DailyAggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tracker.DailyAggregate, 0)
	for key, agg := range r.aggregates {
		if key.modelID == modelID && key.day >= since {
			out = append(out, cloneAggregate(agg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Close is a no-op.
func (r *Repository) Close() error {
	return nil
}
