// Package api hosts the operator HTTP surface of the ingestion service.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz pings the article store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/cycles/latest for the last completed cycle report.
//   - GET /v1/cycles and /v1/cycles/{cycle_id} for recent cycle progress.
//   - GET /v1/sources for configured sources and their circuit state.
package api
