// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/websites for the website catalog, crawl start/cancel and the page graph.
//   - /v1/executions for crawl history.
package api
