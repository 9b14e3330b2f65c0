// Package api hosts the read-only HTTP interface served by `refcrawler serve`.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/outcomes?url= for one stored outcome.
//   - GET /v1/outcomes?source=failed&limit= for outcomes by source.
package api
