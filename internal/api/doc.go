// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/artifacts and /v1/artifacts/lookup for manifest queries.
//   - GET|POST /v1/reconcile for stale-entry and orphan reports.
//   - POST /v1/runs to trigger a harvest, GET /v1/runs[/last] for history.
package api
