// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus scraping.
//   - POST /v1/collector/{start,stop,clear,wait} to drive the collector.
//   - GET /v1/items and /v1/items/{id} for live record snapshots.
//   - POST /v1/snapshots to export the current items.
//   - GET /v1/sessions, /v1/sessions/{session_id} and
//     /v1/sessions/{session_id}/hosts for session history via the
//     store.SessionRepository interface.
package api
