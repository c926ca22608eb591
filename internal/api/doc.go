// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access to the scheduler. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/engine for registry and gate sizes.
//   - POST /v1/schedules/{id}/reload after a schedule row changes.
//   - POST /v1/schedules/{id}/run to request an immediate firing.
//   - POST /v1/schedules/preview to compute upcoming run times.
//   - GET /v1/events for recent firing events when no broker is configured.
package api
