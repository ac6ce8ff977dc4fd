// Package api hosts the HTTP front end of the crawl service:
//   - POST /crawl accepts a crawl request and answers 202 with a job id.
//   - GET /result/{id} reports the job record.
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
package api
