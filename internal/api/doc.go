// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit a crawl job, POST /v1/jobs/{id}/cancel to
//     stop one; GET endpoints expose jobs, their step audit trail, and
//     archived documents.
//   - GET /v1/targets for the tracked network operators.
//   - GET /v1/events for live job progress via server-sent events.
package api
