package api

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/ev-price-tracker/internal/stats"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

type mockQueries struct {
	mock.Mock
}

func (m *mockQueries) ListModels(ctx context.Context) ([]tracker.TrackedModel, error) {
	args := m.Called(ctx)
	models, _ := args.Get(0).([]tracker.TrackedModel)
	return models, args.Error(1)
}

func (m *mockQueries) GetModel(ctx context.Context, id int64) (tracker.TrackedModel, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(tracker.TrackedModel), args.Error(1)
}

func (m *mockQueries) PriceHistory(ctx context.Context, modelID int64, days int) (tracker.TrackedModel, []tracker.DailyAggregate, error) {
	args := m.Called(ctx, modelID, days)
	history, _ := args.Get(1).([]tracker.DailyAggregate)
	return args.Get(0).(tracker.TrackedModel), history, args.Error(2)
}

func (m *mockQueries) Listings(ctx context.Context, query tracker.ListingQuery) (tracker.TrackedModel, []tracker.CanonicalListing, error) {
	args := m.Called(ctx, query)
	listings, _ := args.Get(1).([]tracker.CanonicalListing)
	return args.Get(0).(tracker.TrackedModel), listings, args.Error(2)
}

func (m *mockQueries) Stats(ctx context.Context) (stats.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(stats.Summary), args.Error(1)
}

func (m *mockQueries) Settings(ctx context.Context) (tracker.Settings, error) {
	args := m.Called(ctx)
	return args.Get(0).(tracker.Settings), args.Error(1)
}

func (m *mockQueries) UpdateSettings(ctx context.Context, update tracker.SettingsUpdate) (tracker.Settings, error) {
	args := m.Called(ctx, update)
	return args.Get(0).(tracker.Settings), args.Error(1)
}

type fakeScraper struct {
	mu        sync.Mutex
	status    tracker.ScrapeJob
	err       error
	triggered []*int64
}

func (f *fakeScraper) Trigger(_ context.Context, modelID *int64) (tracker.ScrapeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tracker.ScrapeJob{}, f.err
	}
	f.triggered = append(f.triggered, modelID)
	f.status = tracker.ScrapeJob{
		ID:            "job-1",
		Status:        tracker.JobStatusRunning,
		TargetModelID: modelID,
		Total:         1,
		Failures:      []tracker.SourceFailure{},
	}
	return f.status.Clone(), nil
}

func (f *fakeScraper) Status() tracker.ScrapeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status.Clone()
}
