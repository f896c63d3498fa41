// Package orchestrator drives scrape jobs: it sequences catalog models,
// fans each model out to the source adapters, then runs normalization,
// de-duplication and aggregation. At most one job runs at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ev-price-tracker/internal/dedup"
	"github.com/JakeFAU/ev-price-tracker/internal/metrics"
	"github.com/JakeFAU/ev-price-tracker/internal/normalize"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

const tracerName = "github.com/JakeFAU/ev-price-tracker/internal/orchestrator"

// Normalizer validates raw candidates.
type Normalizer interface {
	Normalize(c tracker.RawCandidate) (tracker.CanonicalListing, normalize.RejectReason)
}

// Admitter persists listings that are new observations.
type Admitter interface {
	Admit(ctx context.Context, listing tracker.CanonicalListing) (dedup.Action, tracker.CanonicalListing, error)
}

// Recomputer rebuilds one day's aggregate.
type Recomputer interface {
	Recompute(ctx context.Context, modelID int64, day tracker.Day) (tracker.DailyAggregate, bool, error)
}

// Deps are the orchestrator's collaborators. Publisher is optional.
type Deps struct {
	Catalog    tracker.CatalogStore
	Settings   tracker.SettingsStore
	Adapters   []tracker.SourceAdapter
	Normalizer Normalizer
	Dedup      Admitter
	Aggregator Recomputer
	Calendar   tracker.Calendar
	Clock      tracker.Clock
	IDs        tracker.IDGenerator
	Publisher  tracker.Publisher
	Logger     *zap.Logger
}

// Config tunes job execution.
type Config struct {
	// SourceConcurrency bounds concurrent adapter calls per model.
	SourceConcurrency int
	// CompletionTopic receives the final job snapshot when a Publisher is set.
	CompletionTopic string
}

// Orchestrator owns the process-wide ScrapeJob.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	mu  sync.RWMutex
	job tracker.ScrapeJob

	wg sync.WaitGroup
}

// New validates deps and returns an idle orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("catalog store is required")
	case deps.Settings == nil:
		return nil, errors.New("settings store is required")
	case len(deps.Adapters) == 0:
		return nil, errors.New("at least one source adapter is required")
	case deps.Normalizer == nil || deps.Dedup == nil || deps.Aggregator == nil:
		return nil, errors.New("normalizer, deduplicator and aggregator are required")
	case deps.Clock == nil || deps.IDs == nil:
		return nil, errors.New("clock and id generator are required")
	}
	if cfg.SourceConcurrency <= 0 {
		cfg.SourceConcurrency = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("orchestrator"),
		tracer: otel.Tracer(tracerName),
		job:    tracker.ScrapeJob{Status: tracker.JobStatusIdle, Failures: []tracker.SourceFailure{}},
	}, nil
}

// Status returns a snapshot of the current job.
func (o *Orchestrator) Status() tracker.ScrapeJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.job.Clone()
}

// Trigger starts a job in the background and returns its initial snapshot.
// A nil modelID scrapes the whole catalog. The job outlives ctx.
func (o *Orchestrator) Trigger(ctx context.Context, modelID *int64) (tracker.ScrapeJob, error) {
	models, snapshot, err := o.start(ctx, modelID)
	if err != nil {
		return tracker.ScrapeJob{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(runCtx, models)
	}()
	return snapshot, nil
}

// Run executes a job synchronously and returns the final snapshot.
func (o *Orchestrator) Run(ctx context.Context, modelID *int64) (tracker.ScrapeJob, error) {
	models, _, err := o.start(ctx, modelID)
	if err != nil {
		return tracker.ScrapeJob{}, err
	}
	o.execute(ctx, models)
	return o.Status(), nil
}

// Wait blocks until background jobs have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) start(ctx context.Context, modelID *int64) ([]tracker.TrackedModel, tracker.ScrapeJob, error) {
	if o.Status().Status == tracker.JobStatusRunning {
		return nil, tracker.ScrapeJob{}, tracker.ErrAlreadyRunning
	}
	models, err := o.resolveModels(ctx, modelID)
	if err != nil {
		return nil, tracker.ScrapeJob{}, err
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return nil, tracker.ScrapeJob{}, fmt.Errorf("generate job id: %w", err)
	}
	startedAt := o.deps.Clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job.Status == tracker.JobStatusRunning {
		return nil, tracker.ScrapeJob{}, tracker.ErrAlreadyRunning
	}
	o.job = tracker.ScrapeJob{
		ID:        id,
		Status:    tracker.JobStatusRunning,
		Total:     len(models),
		StartedAt: &startedAt,
		Failures:  []tracker.SourceFailure{},
	}
	if modelID != nil {
		target := *modelID
		o.job.TargetModelID = &target
	}
	metrics.SetRunning(true)
	o.logger.Info("scrape job started", zap.String("job_id", id), zap.Int("models", len(models)))
	return models, o.job.Clone(), nil
}

func (o *Orchestrator) resolveModels(ctx context.Context, modelID *int64) ([]tracker.TrackedModel, error) {
	if modelID != nil {
		model, err := o.deps.Catalog.GetModel(ctx, *modelID)
		if err != nil {
			if errors.Is(err, tracker.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: load model: %w", tracker.ErrPersistence, err)
		}
		return []tracker.TrackedModel{model}, nil
	}
	models, err := o.deps.Catalog.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list models: %w", tracker.ErrPersistence, err)
	}
	return models, nil
}

func (o *Orchestrator) execute(ctx context.Context, models []tracker.TrackedModel) {
	jobID := o.Status().ID
	ctx, span := o.tracer.Start(ctx, "scrape.job", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("job.models", len(models)),
	))
	defer span.End()

	for _, model := range models {
		o.update(func(job *tracker.ScrapeJob) {
			job.CurrentModel = model.Name()
		})
		if err := o.scrapeModel(ctx, model); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.finish(ctx, tracker.JobStatusFailed, err)
			return
		}
		o.update(func(job *tracker.ScrapeJob) {
			job.Progress++
		})
	}
	o.finish(ctx, tracker.JobStatusCompleted, nil)
}

type fetchResult struct {
	batch tracker.Batch
	err   error
}

func (o *Orchestrator) scrapeModel(ctx context.Context, model tracker.TrackedModel) error {
	ctx, span := o.tracer.Start(ctx, "scrape.model", trace.WithAttributes(
		attribute.Int64("model.id", model.ID),
		attribute.String("model.name", model.Name()),
	))
	defer span.End()
	logger := o.logger.With(zap.Int64("model_id", model.ID), zap.String("model", model.Name()))

	settings, err := o.deps.Settings.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("%w: load settings: %w", tracker.ErrPersistence, err)
	}

	results := o.fetchAll(ctx, model, settings)

	var (
		counters tracker.JobCounters
		failures []tracker.SourceFailure
		days     = map[tracker.Day]struct{}{}
		order    []tracker.Day
	)
	for i, res := range results {
		source := o.deps.Adapters[i].Source()
		if res.err != nil {
			logger.Warn("source failed", zap.String("source", string(source)), zap.Error(res.err))
			failures = append(failures, tracker.SourceFailure{
				ModelID: model.ID,
				Model:   model.Name(),
				Source:  source,
				Error:   res.err.Error(),
			})
			continue
		}
		counters.Malformed += res.batch.Malformed
		counters.Candidates += len(res.batch.Candidates)

		for _, candidate := range res.batch.Candidates {
			listing, reason := o.deps.Normalizer.Normalize(candidate)
			if reason.Rejected() {
				counters.Rejected++
				metrics.ObserveRejection(string(reason))
				metrics.ObserveAdmission(string(source), "reject")
				continue
			}
			action, admitted, err := o.deps.Dedup.Admit(ctx, listing)
			if err != nil {
				return err
			}
			metrics.ObserveAdmission(string(source), string(action))
			if action == dedup.ActionSkip {
				counters.Skipped++
				continue
			}
			counters.Inserted++
			day := o.deps.Calendar.DayOf(admitted.ScrapedAt)
			if _, seen := days[day]; !seen {
				days[day] = struct{}{}
				order = append(order, day)
			}
		}
	}

	for _, day := range order {
		agg, ok, err := o.deps.Aggregator.Recompute(ctx, model.ID, day)
		if err != nil {
			return err
		}
		if ok {
			logger.Debug("aggregate updated",
				zap.String("date", string(day)),
				zap.Int64("avg_price", agg.AvgPrice),
				zap.Int("listing_count", agg.ListingCount),
			)
		}
	}

	span.SetAttributes(
		attribute.Int("listings.inserted", counters.Inserted),
		attribute.Int("listings.skipped", counters.Skipped),
		attribute.Int("sources.failed", len(failures)),
	)
	o.update(func(job *tracker.ScrapeJob) {
		job.Failures = append(job.Failures, failures...)
		job.Counters.Candidates += counters.Candidates
		job.Counters.Malformed += counters.Malformed
		job.Counters.Rejected += counters.Rejected
		job.Counters.Inserted += counters.Inserted
		job.Counters.Skipped += counters.Skipped
	})
	logger.Info("model scraped",
		zap.Int("candidates", counters.Candidates),
		zap.Int("inserted", counters.Inserted),
		zap.Int("skipped", counters.Skipped),
		zap.Int("rejected", counters.Rejected),
		zap.Int("malformed", counters.Malformed),
		zap.Int("failed_sources", len(failures)),
	)
	return nil
}

// fetchAll calls every adapter with bounded concurrency. Results keep the
// adapter order so processing stays deterministic.
func (o *Orchestrator) fetchAll(ctx context.Context, model tracker.TrackedModel, settings tracker.Settings) []fetchResult {
	results := make([]fetchResult, len(o.deps.Adapters))
	var g errgroup.Group
	g.SetLimit(o.cfg.SourceConcurrency)
	for i, adapter := range o.deps.Adapters {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = fetchResult{err: fmt.Errorf("%w: adapter panic: %v", tracker.ErrSourceUnavailable, r)}
				}
			}()
			batch, err := adapter.Fetch(ctx, model, settings)
			results[i] = fetchResult{batch: batch, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) update(fn func(job *tracker.ScrapeJob)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.job)
}

func (o *Orchestrator) finish(ctx context.Context, status tracker.JobStatus, cause error) {
	finishedAt := o.deps.Clock.Now()
	var snapshot tracker.ScrapeJob
	o.update(func(job *tracker.ScrapeJob) {
		job.Status = status
		job.FinishedAt = &finishedAt
		job.CurrentModel = ""
		if cause != nil {
			job.Error = cause.Error()
		}
		snapshot = job.Clone()
	})

	var duration time.Duration
	if snapshot.StartedAt != nil {
		duration = finishedAt.Sub(*snapshot.StartedAt)
	}
	metrics.SetRunning(false)
	metrics.ObserveJob(string(status), duration)

	fields := []zap.Field{
		zap.String("job_id", snapshot.ID),
		zap.String("status", string(status)),
		zap.Int("progress", snapshot.Progress),
		zap.Int("total", snapshot.Total),
		zap.Int("failures", len(snapshot.Failures)),
		zap.Int("inserted", snapshot.Counters.Inserted),
		zap.Duration("duration", duration),
	}
	if cause != nil {
		o.logger.Error("scrape job failed", append(fields, zap.Error(cause))...)
	} else {
		o.logger.Info("scrape job completed", fields...)
	}
	o.publish(ctx, snapshot)
}

func (o *Orchestrator) publish(ctx context.Context, snapshot tracker.ScrapeJob) {
	if o.deps.Publisher == nil || o.cfg.CompletionTopic == "" {
		return
	}
	msgID, err := o.deps.Publisher.Publish(ctx, o.cfg.CompletionTopic, snapshot)
	if err != nil {
		o.logger.Warn("publish job snapshot", zap.String("job_id", snapshot.ID), zap.Error(err))
		return
	}
	o.logger.Debug("published job snapshot", zap.String("job_id", snapshot.ID), zap.String("message_id", msgID))
}
