// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /v1/sites registers a site (or returns the existing one for its
//     domain) and queues the first crawl.
//   - GET /v1/sites/{site_id} and /v1/sites/{site_id}/progress report status.
//   - POST /v1/sites/{site_id}/reindex queues a manual reindex.
//   - GET /v1/search queries the search index; GET /v1/index/stats reports
//     its document count.
//   - GET /healthz, /readyz for Kubernetes health checks and /metrics for Prometheus.
package api
