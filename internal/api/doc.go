// Package api hosts the HTTP server, middleware, and REST handlers for the
// relay. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/search, /v1/download, /v1/warmup and /v1/reset, which block
//     until the worker finishes the job.
//   - GET /v1/jobs/{job_id} for the stored job record.
//   - GET /v1/ipfs/{cid} for mirror-fallback downloads.
package api
