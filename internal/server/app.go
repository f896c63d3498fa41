// Package server builds the application's dependency graph and runs the HTTP
// service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ev-price-tracker/internal/aggregate"
	"github.com/JakeFAU/ev-price-tracker/internal/api"
	"github.com/JakeFAU/ev-price-tracker/internal/clock/system"
	"github.com/JakeFAU/ev-price-tracker/internal/config"
	"github.com/JakeFAU/ev-price-tracker/internal/dedup"
	"github.com/JakeFAU/ev-price-tracker/internal/fetcher"
	collyfetcher "github.com/JakeFAU/ev-price-tracker/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/ev-price-tracker/internal/fetcher/headless"
	"github.com/JakeFAU/ev-price-tracker/internal/hash/sha256"
	"github.com/JakeFAU/ev-price-tracker/internal/headless/detector"
	"github.com/JakeFAU/ev-price-tracker/internal/id/uuid"
	"github.com/JakeFAU/ev-price-tracker/internal/logging"
	"github.com/JakeFAU/ev-price-tracker/internal/metrics"
	"github.com/JakeFAU/ev-price-tracker/internal/normalize"
	"github.com/JakeFAU/ev-price-tracker/internal/orchestrator"
	"github.com/JakeFAU/ev-price-tracker/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/ev-price-tracker/internal/publisher/pubsub"
	"github.com/JakeFAU/ev-price-tracker/internal/source"
	"github.com/JakeFAU/ev-price-tracker/internal/stats"
	gcsstorage "github.com/JakeFAU/ev-price-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ev-price-tracker/internal/storage/local"
	memorystorage "github.com/JakeFAU/ev-price-tracker/internal/storage/memory"
	pgstore "github.com/JakeFAU/ev-price-tracker/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/ev-price-tracker/internal/storage/sqlite"
	"github.com/JakeFAU/ev-price-tracker/internal/telemetry"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	repo         tracker.Repository
	orchestrator *orchestrator.Orchestrator
	engine       *stats.Engine
	apiServer    *api.Server

	// closers run in reverse registration order on Close.
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies. When logger is nil one is
// built from cfg.Logging and installed as the zap global.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("fetcher_driver", cfg.Fetcher.Driver),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := app.closeAll(context.Background()); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
		}
	}()

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.onClose("tracer", tp.Shutdown)

	calendar, err := tracker.NewCalendar(cfg.Scrape.Timezone)
	if err != nil {
		return nil, fmt.Errorf("calendar init failed: %w", err)
	}
	clock := system.New()
	ids := uuid.New()

	if err = app.setupRepository(ctx); err != nil {
		return nil, err
	}

	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	pageFetcher, err := app.setupFetcher()
	if err != nil {
		return nil, err
	}

	adapters, err := app.setupAdapters(pageFetcher, archive, clock, calendar)
	if err != nil {
		return nil, err
	}

	app.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Catalog:  app.repo,
		Settings: app.repo,
		Adapters: adapters,
		Normalizer: normalize.New(normalize.Options{
			MinPrice: cfg.Normalize.MinPrice,
			MaxPrice: cfg.Normalize.MaxPrice,
		}),
		Dedup:      dedup.New(app.repo, ids, calendar, logger.Named("dedup")),
		Aggregator: aggregate.New(app.repo, calendar),
		Calendar:   calendar,
		Clock:      clock,
		IDs:        ids,
		Publisher:  publisher,
		Logger:     logger.Named("orchestrator"),
	}, orchestrator.Config{
		SourceConcurrency: cfg.Scrape.SourceConcurrency,
		CompletionTopic:   cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.engine = stats.New(app.repo, clock, calendar, stats.Config{CheapestN: cfg.Stats.CheapestN}, logger.Named("stats"))

	app.apiServer = api.NewServer(app.engine, app.orchestrator, api.Options{
		APIKey:         authKey(cfg.Auth),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Ready: func(ctx context.Context) error {
			_, err := app.repo.GetSettings(ctx)
			return err
		},
	}, logger.Named("api"))

	return app, nil
}

func authKey(cfg config.AuthConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.APIKey
}

func (a *App) setupRepository(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "postgres":
		a.logger.Info("using postgres storage backend")
		a.repo, err = pgstore.Open(ctx, pgstore.Config{
			DSN:             a.cfg.Storage.Postgres.DSN,
			MaxConns:        a.cfg.Storage.Postgres.MaxConns,
			MinConns:        a.cfg.Storage.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Storage.Postgres.MaxConnLifetime,
		})
	case "sqlite":
		a.logger.Info("using sqlite storage backend", zap.String("path", a.cfg.Storage.SQLite.Path))
		a.repo, err = sqlitestore.Open(sqlitestore.Config{Path: a.cfg.Storage.SQLite.Path})
	default:
		a.logger.Info("using in-memory storage backend")
		a.repo = memorystorage.NewRepository()
	}
	if err != nil {
		return fmt.Errorf("repository init failed: %w", err)
	}
	a.onClose("repository", func(context.Context) error { return a.repo.Close() })

	if m, ok := a.repo.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	if err := a.repo.SeedModels(ctx, a.cfg.CatalogModels()); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	if err := a.repo.EnsureSettings(ctx, a.cfg.DefaultSettings()); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (tracker.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		}, a.logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.onClose("gcs archive", func(context.Context) error { return store.Close() })
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Archive.BaseDir))
		return store, nil
	case "memory":
		a.logger.Info("archiving pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (tracker.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, job completions are not published")
		return nil, nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupFetcher() (tracker.PageFetcher, error) {
	fc := a.cfg.Fetcher
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     fc.UserAgent,
		RespectRobots: fc.RespectRobots,
		Timeout:       fc.Timeout,
	})
	if fc.Driver == "colly" {
		a.logger.Info("using colly page fetcher")
		return probe, nil
	}

	var headless tracker.PageFetcher
	chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       fc.MaxParallel,
		UserAgent:         fc.UserAgent,
		NavigationTimeout: fc.NavigationTimeout,
		SelectorTimeout:   fc.SelectorTimeout,
		ScrollPasses:      fc.ScrollPasses,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, headless fetches will fail", zap.Error(err))
		headless = headlessfetcher.NewNoop()
	} else {
		a.onClose("headless browser", func(context.Context) error {
			chrome.Close()
			return nil
		})
		headless = chrome
	}

	if fc.Driver == "headless" {
		a.logger.Info("using headless page fetcher", zap.Int("max_parallel", fc.MaxParallel))
		return headless, nil
	}
	a.logger.Info("using probe-then-promote page fetcher",
		zap.Int("promotion_threshold", fc.PromotionThreshold),
		zap.Int("max_parallel", fc.MaxParallel),
	)
	promoting, err := fetcher.NewPromoting(probe, headless, detector.NewHeuristic(fc.PromotionThreshold), a.logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	return promoting, nil
}

func (a *App) setupAdapters(
	pageFetcher tracker.PageFetcher,
	archive tracker.BlobStore,
	clock tracker.Clock,
	calendar tracker.Calendar,
) ([]tracker.SourceAdapter, error) {
	sources, err := a.cfg.SourceList()
	if err != nil {
		return nil, fmt.Errorf("sources: %w", err)
	}
	deps := source.Deps{
		Fetcher:  pageFetcher,
		Retry:    tracker.NewRetryPolicy(a.cfg.Retry.MaxAttempts, a.cfg.Retry.InitialBackoff, a.cfg.Retry.MaxBackoff),
		Detector: detector.NewHeuristic(a.cfg.Fetcher.PromotionThreshold),
		Archive:  archive,
		Hasher:   sha256.New(),
		Clock:    clock,
		Calendar: calendar,
		Logger:   a.logger,
	}
	if a.cfg.Scrape.RatePerSecond > 0 {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Scrape.RatePerSecond,
			DefaultBurst: a.cfg.Scrape.RateBurst,
		})
	}
	cfg := source.Config{
		MaxResults:         a.cfg.Scrape.MaxResults,
		MinCardText:        a.cfg.Scrape.MinCardText,
		UserAgent:          a.cfg.Fetcher.UserAgent,
		ArchiveContentType: a.cfg.Archive.ContentType,
	}

	adapters := make([]tracker.SourceAdapter, 0, len(sources))
	for _, src := range sources {
		site, err := source.SiteFor(src)
		if err != nil {
			return nil, err
		}
		adapter, err := source.New(site, deps, cfg)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", src, err)
		}
		adapters = append(adapters, adapter)
	}
	a.logger.Info("source adapters ready", zap.Int("count", len(adapters)))
	return adapters, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scrape runs one job synchronously and returns its final snapshot.
func (a *App) Scrape(ctx context.Context, modelID *int64) (tracker.ScrapeJob, error) {
	job, err := a.orchestrator.Run(ctx, modelID)
	if err != nil {
		return tracker.ScrapeJob{}, fmt.Errorf("scrape: %w", err)
	}
	return job, nil
}

// Run starts the HTTP server and blocks until ctx is canceled or a signal
// arrives. A running scrape is allowed to finish before Close.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.orchestrator.Wait()
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	err := a.closeAll(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
