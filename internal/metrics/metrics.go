// Package metrics exposes Prometheus collectors for the fetcher and its HTTP API.
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

var (
	inFlightOperations         prometheus.Gauge
	storeWriteFailuresTotal    *prometheus.CounterVec
	insecureTLSRetriesTotal    prometheus.Counter
	challengesTotal            *prometheus.CounterVec
	dnsUnresolvedTotal         prometheus.Counter
	archiveRateLimitDelay      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		inFlightOperations = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "refcrawler_inflight_operations",
			Help: "Network operations currently holding a concurrency slot.",
		})

		storeWriteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refcrawler_store_write_failures_total",
			Help: "Result store writes that failed, labeled by whether the retry also failed.",
		}, []string{"final"})

		insecureTLSRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "refcrawler_insecure_tls_retries_total",
			Help: "Direct fetches retried with certificate verification disabled.",
		})

		challengesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refcrawler_challenges_total",
			Help: "Anti-bot challenge responses seen, labeled by tier.",
		}, []string{"tier"})

		dnsUnresolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "refcrawler_dns_unresolved_total",
			Help: "Targets whose host did not resolve during the DNS pre-check.",
		})

		archiveRateLimitDelay = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "refcrawler_archive_rate_limit_delay_seconds",
			Help:    "Time spent waiting for the archive API rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		})

		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})

		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
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

// SetInFlight records the current number of in-flight operations.
func SetInFlight(n int64) {
	if inFlightOperations != nil {
		inFlightOperations.Set(float64(n))
	}
}

// ObserveStoreWriteFailure counts a failed result store write. final marks a
// failure after the single retry, when the outcome is discarded.
func ObserveStoreWriteFailure(final bool) {
	if storeWriteFailuresTotal != nil {
		storeWriteFailuresTotal.WithLabelValues(strconv.FormatBool(final)).Inc()
	}
}

// ObserveInsecureTLSRetry counts a direct fetch retried without verification.
func ObserveInsecureTLSRetry() {
	if insecureTLSRetriesTotal != nil {
		insecureTLSRetriesTotal.Inc()
	}
}

// ObserveChallenge counts a challenge response on the given tier.
func ObserveChallenge(tier string) {
	if challengesTotal != nil {
		challengesTotal.WithLabelValues(tier).Inc()
	}
}

// ObserveDNSUnresolved counts a host failing the DNS pre-check.
func ObserveDNSUnresolved() {
	if dnsUnresolvedTotal != nil {
		dnsUnresolvedTotal.Inc()
	}
}

// ObserveArchiveRateLimitDelay records a wait imposed by the archive limiter.
func ObserveArchiveRateLimitDelay(d time.Duration) {
	if archiveRateLimitDelay != nil {
		archiveRateLimitDelay.Observe(d.Seconds())
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
