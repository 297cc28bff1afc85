// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/queue, /v1/tasks and /v1/jobs for scheduling state.
//   - GET /v1/platforms/{platform}/... for rate limits, errors and health.
//   - GET /v1/keywords/... for keyword match rollups.
//   - POST /v1/dispatch and /v1/pools/{pool}/stop|resume for control.
//   - GET /v1/runs and /v1/runs/{run_id} for the unit run history when a
//     RunRepository is configured.
package api
