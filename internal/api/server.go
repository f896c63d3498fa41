package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ev-price-tracker/internal/metrics"
	"github.com/JakeFAU/ev-price-tracker/internal/stats"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// Queries is the read and settings surface backed by the stats engine.
type Queries interface {
	ListModels(ctx context.Context) ([]tracker.TrackedModel, error)
	GetModel(ctx context.Context, id int64) (tracker.TrackedModel, error)
	PriceHistory(ctx context.Context, modelID int64, days int) (tracker.TrackedModel, []tracker.DailyAggregate, error)
	Listings(ctx context.Context, query tracker.ListingQuery) (tracker.TrackedModel, []tracker.CanonicalListing, error)
	Stats(ctx context.Context) (stats.Summary, error)
	Settings(ctx context.Context) (tracker.Settings, error)
	UpdateSettings(ctx context.Context, update tracker.SettingsUpdate) (tracker.Settings, error)
}

// Scraper starts and reports scrape jobs.
type Scraper interface {
	Trigger(ctx context.Context, modelID *int64) (tracker.ScrapeJob, error)
	Status() tracker.ScrapeJob
}

// ReadyFunc reports whether downstream dependencies can serve requests.
type ReadyFunc func(ctx context.Context) error

// Options tunes the HTTP surface.
type Options struct {
	APIKey         string
	AllowedOrigins []string
	RequestTimeout time.Duration
	Ready          ReadyFunc
}

// Server wires HTTP handlers to the stats engine and orchestrator.
type Server struct {
	router  chi.Router
	queries Queries
	scraper Scraper
	opts    Options
	logger  *zap.Logger
}

const readyTimeout = 3 * time.Second

// NewServer constructs a Server with middleware and routes. A non-empty
// APIKey guards the mutating routes.
func NewServer(queries Queries, scraper Scraper, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		queries: queries,
		scraper: scraper,
		opts:    opts,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/models", s.listModels)
		r.Route("/models/{model_id}", func(r chi.Router) {
			r.Get("/", s.getModel)
			r.Get("/prices", s.getPriceHistory)
			r.Get("/listings", s.getListings)
		})
		r.Get("/stats", s.getStats)
		r.Get("/settings", s.getSettings)
		r.Get("/scrape/status", s.getScrapeStatus)

		r.Group(func(r chi.Router) {
			if opts.APIKey != "" {
				r.Use(apiKeyMiddleware(opts.APIKey))
			}
			r.Put("/settings", s.updateSettings)
			r.Post("/scrape", s.triggerScrape)
		})
	})

	s.router = r
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrInvalidQuery), errors.Is(err, tracker.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged and their
// details withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
