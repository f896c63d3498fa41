// Package api hosts the HTTP server, middleware, and REST handlers for the
// price tracker. Notable routes:
//   - GET /api/models, /api/models/{model_id}/prices and /listings for the
//     catalog, daily price history and paged listings.
//   - GET /api/stats for the dashboard summary.
//   - GET and PUT /api/settings for the search zip code and radius.
//   - POST /api/scrape to start a job and GET /api/scrape/status to poll it.
//   - GET /healthz, /readyz and /api/health for probes, /metrics for Prometheus.
package api
