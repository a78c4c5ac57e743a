// Package api hosts the optional status server for a running crawl.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for limiter and queue counters.
//   - GET /v1/results for the current results snapshot.
package api
