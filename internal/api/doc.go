// Package api hosts the HTTP server, middleware, and REST handlers over the
// frontier. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/entries to add discovered links, POST /v1/claims to take work,
//     POST /v1/entries/{id}/done to complete it.
//   - POST /v1/requeue, GET /v1/stats and DELETE /v1/entries for operators.
package api
