// Package metrics exposes Prometheus collectors for the price tracker.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeJobsTotal            *prometheus.CounterVec
	scrapeRunning              prometheus.Gauge
	scrapeDurationSeconds      prometheus.Histogram
	sourceFetchTotal           *prometheus.CounterVec
	sourceFetchAttemptsTotal   *prometheus.CounterVec
	malformedRecordsTotal      *prometheus.CounterVec
	admissionsTotal            *prometheus.CounterVec
	rejectionsTotal            *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_tracker_scrape_jobs_total",
				Help: "Scrape jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		scrapeRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "price_tracker_scrape_running",
				Help: "1 while a scrape job is running.",
			},
		)

		scrapeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "price_tracker_scrape_duration_seconds",
				Help:    "Wall time of finished scrape jobs.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
			},
		)

		sourceFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_tracker_source_fetch_total",
				Help: "Adapter fetches, labeled by source and result (ok, empty, unavailable).",
			},
			[]string{"source", "result"},
		)

		sourceFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_tracker_source_fetch_attempts_total",
				Help: "Page fetch attempts including retries, labeled by source.",
			},
			[]string{"source"},
		)

		malformedRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_tracker_malformed_records_total",
				Help: "Result cards skipped because they could not be parsed.",
			},
			[]string{"source"},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_tracker_admissions_total",
				Help: "Normalized candidates by source and action (insert, skip, reject).",
			},
			[]string{"source", "action"},
		)

		rejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_tracker_rejections_total",
				Help: "Candidates rejected by the normalizer, labeled by reason.",
			},
			[]string{"reason"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "price_tracker_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-source rate limits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a terminal job status and its duration.
func ObserveJob(status string, duration time.Duration) {
	Init()
	scrapeJobsTotal.WithLabelValues(status).Inc()
	scrapeDurationSeconds.Observe(duration.Seconds())
}

// SetRunning flips the running gauge.
func SetRunning(running bool) {
	Init()
	if running {
		scrapeRunning.Set(1)
		return
	}
	scrapeRunning.Set(0)
}

// ObserveSourceFetch records the outcome of one adapter fetch.
func ObserveSourceFetch(source, result string, attempts, malformed int) {
	Init()
	sourceFetchTotal.WithLabelValues(source, result).Inc()
	if attempts > 0 {
		sourceFetchAttemptsTotal.WithLabelValues(source).Add(float64(attempts))
	}
	if malformed > 0 {
		malformedRecordsTotal.WithLabelValues(source).Add(float64(malformed))
	}
}

// ObserveAdmission records what happened to one candidate.
func ObserveAdmission(source, action string) {
	Init()
	admissionsTotal.WithLabelValues(source, action).Inc()
}

// ObserveRejection records a normalizer rejection reason.
func ObserveRejection(reason string) {
	Init()
	rejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
