// Package stats serves the read side: dashboard figures, price history,
// listing pages, the model catalog and settings.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// Price history window limits, in days.
const (
	DefaultHistoryDays = 90
	MaxHistoryDays     = 3650
)

// CheapModel is one entry of the cheapest-models ranking.
type CheapModel struct {
	ModelID      int64  `json:"model_id"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Name         string `json:"name"`
	AvgPrice     int64  `json:"avg_price"`
	ListingCount int    `json:"listing_count"`
}

// Summary is the dashboard roll-up.
type Summary struct {
	TotalListings  int          `json:"total_listings"`
	ModelsWithData int          `json:"models_with_data"`
	AvgPrice       *int64       `json:"avg_price"`
	LastScrape     *time.Time   `json:"last_scrape"`
	CheapestModels []CheapModel `json:"cheapest_models"`
}

// Config tunes the engine.
type Config struct {
	CheapestN int
}

// Engine computes read-side views from persisted state on every call.
type Engine struct {
	repo     tracker.Repository
	clock    tracker.Clock
	calendar tracker.Calendar
	cfg      Config
	logger   *zap.Logger
}

// New builds an Engine.
func New(repo tracker.Repository, clock tracker.Clock, calendar tracker.Calendar, cfg Config, logger *zap.Logger) *Engine {
	if cfg.CheapestN <= 0 {
		cfg.CheapestN = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{repo: repo, clock: clock, calendar: calendar, cfg: cfg, logger: logger.Named("stats")}
}

// Stats computes the dashboard summary.
func (e *Engine) Stats(ctx context.Context) (Summary, error) {
	models, err := e.repo.ListModels(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list models: %w", err)
	}
	summaries, err := e.repo.ModelSummaries(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize listings: %w", err)
	}

	rank := make(map[int64]int, len(models))
	byID := make(map[int64]tracker.TrackedModel, len(models))
	for i, m := range models {
		rank[m.ID] = i
		byID[m.ID] = m
	}

	out := Summary{CheapestModels: []CheapModel{}}
	var total decimal.Decimal
	cheap := make([]CheapModel, 0, len(summaries))
	for _, s := range summaries {
		if s.ListingCount == 0 {
			continue
		}
		out.TotalListings += s.ListingCount
		out.ModelsWithData++
		total = total.Add(decimal.NewFromInt(s.PriceSum))
		if out.LastScrape == nil || s.LastScrapedAt.After(*out.LastScrape) {
			ts := s.LastScrapedAt
			out.LastScrape = &ts
		}
		m, ok := byID[s.ModelID]
		if !ok {
			e.logger.Warn("listings reference unknown model", zap.Int64("model_id", s.ModelID))
			continue
		}
		cheap = append(cheap, CheapModel{
			ModelID:      m.ID,
			Make:         m.Make,
			Model:        m.Model,
			Name:         m.Name(),
			AvgPrice:     mean(decimal.NewFromInt(s.PriceSum), s.ListingCount),
			ListingCount: s.ListingCount,
		})
	}
	if out.TotalListings > 0 {
		avg := mean(total, out.TotalListings)
		out.AvgPrice = &avg
	}

	sort.SliceStable(cheap, func(i, j int) bool {
		if cheap[i].AvgPrice != cheap[j].AvgPrice {
			return cheap[i].AvgPrice < cheap[j].AvgPrice
		}
		return rank[cheap[i].ModelID] < rank[cheap[j].ModelID]
	})
	if len(cheap) > e.cfg.CheapestN {
		cheap = cheap[:e.cfg.CheapestN]
	}
	out.CheapestModels = cheap
	return out, nil
}

func mean(sum decimal.Decimal, count int) int64 {
	return sum.Div(decimal.NewFromInt(int64(count))).Round(0).IntPart()
}

// ListModels returns the catalog in make/model order.
func (e *Engine) ListModels(ctx context.Context) ([]tracker.TrackedModel, error) {
	models, err := e.repo.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return models, nil
}

// GetModel returns one catalog entry or tracker.ErrNotFound.
func (e *Engine) GetModel(ctx context.Context, id int64) (tracker.TrackedModel, error) {
	return e.repo.GetModel(ctx, id)
}

// PriceHistory returns the model and its daily aggregates for the trailing
// window of days ending today, oldest first.
func (e *Engine) PriceHistory(ctx context.Context, modelID int64, days int) (tracker.TrackedModel, []tracker.DailyAggregate, error) {
	if days == 0 {
		days = DefaultHistoryDays
	}
	if days < 1 || days > MaxHistoryDays {
		return tracker.TrackedModel{}, nil, fmt.Errorf("%w: days must be between 1 and %d", tracker.ErrInvalidQuery, MaxHistoryDays)
	}
	model, err := e.repo.GetModel(ctx, modelID)
	if err != nil {
		return tracker.TrackedModel{}, nil, err
	}
	today := e.calendar.DayOf(e.clock.Now())
	since, err := today.AddDays(-(days - 1))
	if err != nil {
		return tracker.TrackedModel{}, nil, err
	}
	rows, err := e.repo.AggregatesSince(ctx, modelID, since)
	if err != nil {
		return tracker.TrackedModel{}, nil, fmt.Errorf("load aggregates: %w", err)
	}
	return model, rows, nil
}

// Listings returns the model and one page of its listings.
func (e *Engine) Listings(ctx context.Context, query tracker.ListingQuery) (tracker.TrackedModel, []tracker.CanonicalListing, error) {
	q, err := query.Normalize()
	if err != nil {
		return tracker.TrackedModel{}, nil, err
	}
	model, err := e.repo.GetModel(ctx, q.ModelID)
	if err != nil {
		return tracker.TrackedModel{}, nil, err
	}
	listings, err := e.repo.QueryListings(ctx, q)
	if err != nil {
		return tracker.TrackedModel{}, nil, fmt.Errorf("query listings: %w", err)
	}
	return model, listings, nil
}

// Settings returns the current search settings.
func (e *Engine) Settings(ctx context.Context) (tracker.Settings, error) {
	return e.repo.GetSettings(ctx)
}

// UpdateSettings applies a partial update after validating the result.
func (e *Engine) UpdateSettings(ctx context.Context, update tracker.SettingsUpdate) (tracker.Settings, error) {
	current, err := e.repo.GetSettings(ctx)
	if err != nil {
		return tracker.Settings{}, err
	}
	next := current.Apply(update)
	if err := next.Validate(); err != nil {
		return tracker.Settings{}, err
	}
	if err := e.repo.SaveSettings(ctx, next); err != nil {
		return tracker.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	e.logger.Info("settings updated", zap.String("zip_code", next.ZipCode), zap.Int("search_radius", next.SearchRadius))
	return next, nil
}
