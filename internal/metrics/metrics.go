// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes recorded by workers.
const (
	DeliveryAcked     = "acked"
	DeliveryNacked    = "nacked"
	DeliveryDuplicate = "duplicate"
	DeliveryMissing   = "missing"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerSubmissionsTotal       *prometheus.CounterVec
	crawlerDeliveriesTotal        *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRepublishedTotal       prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages fetched, labeled by site and HTTP status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of terminal job writes, labeled by status and error kind.",
			},
			[]string{"status", "error_kind"},
		)

		crawlerSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_submissions_total",
				Help: "Total number of crawl submissions, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_deliveries_total",
				Help: "Total number of queue deliveries settled by workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by fetch mode.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerRepublishedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_sweeper_republished_total",
				Help: "Total number of stale pending jobs republished by the sweeper.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl records a fetched page.
func ObserveCrawl(site string, statusCode int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(statusCode)).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob counts a terminal job write.
func ObserveJob(status, errorKind string) {
	Init()
	crawlerJobsTotal.WithLabelValues(status, errorKind).Inc()
}

// ObserveSubmission counts a submission by result (accepted, invalid, error).
func ObserveSubmission(result string) {
	Init()
	crawlerSubmissionsTotal.WithLabelValues(result).Inc()
}

// ObserveDelivery counts a settled delivery.
func ObserveDelivery(outcome string) {
	Init()
	crawlerDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records fetch latency for the plain or headless path.
func ObserveFetch(headless bool, duration time.Duration) {
	Init()
	mode := "plain"
	if headless {
		mode = "headless"
	}
	crawlerFetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRepublished counts jobs the sweeper put back on the queue.
func ObserveRepublished(n int) {
	Init()
	if n > 0 {
		crawlerRepublishedTotal.Add(float64(n))
	}
}
