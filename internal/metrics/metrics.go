// Package metrics exposes Prometheus collectors for the crawler service.
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

// Page outcomes recorded by ObservePage.
const (
	OutcomeCrawled    = "crawled"
	OutcomeHTTPError  = "http_error"
	OutcomeFetchError = "fetch_error"
	OutcomeParseError = "parse_error"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	crawlerFetchSeconds        *prometheus.HistogramVec
	crawlerLinksTotal          *prometheus.CounterVec
	crawlerExecutionsTotal     *prometheus.CounterVec
	crawlerActiveExecutions    prometheus.Gauge
	crawlerActiveWorkers       prometheus.Gauge
	crawlerQueueDepth          prometheus.Gauge
	httpThrottledTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		crawlerLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_links_total",
				Help: "Total number of links recorded, labeled by site and scope.",
			},
			[]string{"site", "scope"},
		)

		crawlerExecutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_executions_total",
				Help: "Total number of executions finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveExecutions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_executions",
				Help: "Number of executions currently running.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing an execution.",
			},
		)

		crawlerQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Number of crawl runs waiting for a worker.",
			},
		)

		httpThrottledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_throttled_total",
				Help: "Total number of API requests rejected by the rate limiter, labeled by method.",
			},
			[]string{"method"},
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

// ObservePage records one processed page.
func ObservePage(site, outcome string, bytesFetched int, elapsed time.Duration) {
	Init()
	host := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
	if elapsed > 0 {
		crawlerFetchSeconds.WithLabelValues(host).Observe(elapsed.Seconds())
	}
}

// ObserveLinks records links discovered on a page, split by boundary scope.
func ObserveLinks(site string, inScope, outOfScope int) {
	Init()
	host := SanitizeSite(site)
	if inScope > 0 {
		crawlerLinksTotal.WithLabelValues(host, "in").Add(float64(inScope))
	}
	if outOfScope > 0 {
		crawlerLinksTotal.WithLabelValues(host, "out").Add(float64(outOfScope))
	}
}

// ObserveExecution increments the execution counter for a terminal status.
func ObserveExecution(status string) {
	Init()
	crawlerExecutionsTotal.WithLabelValues(status).Inc()
}

// IncActiveExecutions increments the running executions gauge.
func IncActiveExecutions() {
	Init()
	crawlerActiveExecutions.Inc()
}

// DecActiveExecutions decrements the running executions gauge.
func DecActiveExecutions() {
	Init()
	crawlerActiveExecutions.Dec()
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

// SetQueueDepth records how many runs are waiting for a worker.
func SetQueueDepth(n int) {
	Init()
	crawlerQueueDepth.Set(float64(n))
}

// ObserveThrottled counts an API request rejected by the rate limiter.
func ObserveThrottled(method string) {
	Init()
	httpThrottledTotal.WithLabelValues(method).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
