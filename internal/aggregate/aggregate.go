// Package aggregate recomputes per-model, per-day price summaries.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// Store is the slice of persistence the aggregator needs.
type Store interface {
	ListingsBetween(ctx context.Context, modelID int64, from, to time.Time) ([]tracker.CanonicalListing, error)
	UpsertAggregate(ctx context.Context, agg tracker.DailyAggregate) error
	DeleteAggregate(ctx context.Context, modelID int64, day tracker.Day) error
}

// Aggregator rebuilds DailyAggregate rows from the full listing set.
type Aggregator struct {
	store    Store
	calendar tracker.Calendar
}

// New builds an Aggregator.
func New(store Store, calendar tracker.Calendar) *Aggregator {
	return &Aggregator{store: store, calendar: calendar}
}

// Recompute reads every listing for (modelID, day) across sources and upserts
// the aggregate row. It returns false when the day has no listings, in which
// case any stale row is removed.
func (a *Aggregator) Recompute(ctx context.Context, modelID int64, day tracker.Day) (tracker.DailyAggregate, bool, error) {
	from, to, err := a.calendar.Bounds(day)
	if err != nil {
		return tracker.DailyAggregate{}, false, err
	}
	listings, err := a.store.ListingsBetween(ctx, modelID, from, to)
	if err != nil {
		return tracker.DailyAggregate{}, false, fmt.Errorf("%w: load listings: %w", tracker.ErrPersistence, err)
	}
	agg, ok := Summarize(modelID, day, listings)
	if !ok {
		if err := a.store.DeleteAggregate(ctx, modelID, day); err != nil {
			return tracker.DailyAggregate{}, false, fmt.Errorf("%w: delete aggregate: %w", tracker.ErrPersistence, err)
		}
		return tracker.DailyAggregate{}, false, nil
	}
	if err := a.store.UpsertAggregate(ctx, agg); err != nil {
		return tracker.DailyAggregate{}, false, fmt.Errorf("%w: upsert aggregate: %w", tracker.ErrPersistence, err)
	}
	return agg, true, nil
}

// Summarize folds listings into one aggregate. Means are rounded half away
// from zero to a whole unit. Mileage is averaged over the listings that
// report it.
func Summarize(modelID int64, day tracker.Day, listings []tracker.CanonicalListing) (tracker.DailyAggregate, bool) {
	if len(listings) == 0 {
		return tracker.DailyAggregate{}, false
	}
	sum, mileageSum := decimal.Zero, decimal.Zero
	withMileage := 0
	minPrice, maxPrice := listings[0].Price, listings[0].Price
	for _, l := range listings {
		sum = sum.Add(decimal.NewFromInt(l.Price))
		minPrice = min(minPrice, l.Price)
		maxPrice = max(maxPrice, l.Price)
		if l.Mileage != nil {
			mileageSum = mileageSum.Add(decimal.NewFromInt(int64(*l.Mileage)))
			withMileage++
		}
	}
	var avgMileage *int64
	if withMileage > 0 {
		m := mean(mileageSum, withMileage)
		avgMileage = &m
	}
	return tracker.DailyAggregate{
		ModelID:      modelID,
		Date:         day,
		AvgPrice:     mean(sum, len(listings)),
		MinPrice:     minPrice,
		MaxPrice:     maxPrice,
		ListingCount: len(listings),
		AvgMileage:   avgMileage,
	}, true
}

func mean(sum decimal.Decimal, count int) int64 {
	return sum.Div(decimal.NewFromInt(int64(count))).Round(0).IntPart()
}
