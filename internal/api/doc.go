// Package api hosts the relay HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET/DELETE /v1/tasks/{task_id} to track, inspect, and abandon
//     backend tasks, plus an SSE feed of snapshots at /v1/tasks/{task_id}/events.
//   - GET /api/tasks and /api/tasks/{task_id} for persisted run history via
//     the TaskRepository interface, and archived results from the BlobStore.
package api
