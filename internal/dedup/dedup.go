// Package dedup decides whether a normalized listing is a new observation.
//
// A listing is identified by (source, url) within a model. One row per key
// per calendar day is kept: a same-day re-observation is skipped, while a
// sighting on a later day is inserted as a new row so price history survives.
package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// Action is the admission decision for one listing.
type Action string

// Admission outcomes.
const (
	ActionInsert Action = "insert"
	ActionSkip   Action = "skip"
)

// Deduplicator checks listings against previously persisted observations.
type Deduplicator struct {
	store    tracker.ListingStore
	ids      tracker.IDGenerator
	calendar tracker.Calendar
	logger   *zap.Logger
}

// New builds a Deduplicator.
func New(store tracker.ListingStore, ids tracker.IDGenerator, calendar tracker.Calendar, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{store: store, ids: ids, calendar: calendar, logger: logger}
}

// Decide returns the action for listing without writing anything.
func (d *Deduplicator) Decide(ctx context.Context, listing tracker.CanonicalListing) (Action, error) {
	last, found, err := d.store.LastSeen(ctx, listing.ModelID, listing.Source, listing.URL)
	if err != nil {
		return "", fmt.Errorf("%w: lookup last seen: %w", tracker.ErrPersistence, err)
	}
	if found && d.calendar.SameDay(last, listing.ScrapedAt) {
		return ActionSkip, nil
	}
	return ActionInsert, nil
}

// Admit decides and, for ActionInsert, persists the listing under a new ID.
// Callers must admit listings for the same key sequentially.
func (d *Deduplicator) Admit(ctx context.Context, listing tracker.CanonicalListing) (Action, tracker.CanonicalListing, error) {
	action, err := d.Decide(ctx, listing)
	if err != nil {
		return "", listing, err
	}
	if action == ActionSkip {
		d.logger.Debug("skipping same-day re-observation",
			zap.String("source", string(listing.Source)),
			zap.String("url", listing.URL),
		)
		return action, listing, nil
	}
	id, err := d.ids.NewID()
	if err != nil {
		return "", listing, fmt.Errorf("generate listing id: %w", err)
	}
	listing.ID = id
	if err := d.store.InsertListing(ctx, listing); err != nil {
		return "", listing, fmt.Errorf("%w: insert listing: %w", tracker.ErrPersistence, err)
	}
	return ActionInsert, listing, nil
}
