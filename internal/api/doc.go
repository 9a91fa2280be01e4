// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit, GET /v1/jobs/{id} to poll, POST .../cancel.
//   - GET /v1/jobs/{id}/export, /analysis and /events for finished output.
//   - POST /v1/evaluate and /v1/preview for selector authoring.
package api
