// Package metrics exposes Prometheus collectors for the audit crawler.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	fetchAttemptsTotal            *prometheus.CounterVec
	escalationsTotal              *prometheus.CounterVec
	cacheLookupsTotal             *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds prometheus.Histogram
	crawlerRateLimitHitsTotal     prometheus.Counter
	browserCheckouts              prometheus.Gauge
	robotsFallbacksTotal          prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaudit_pages_total",
				Help: "Total number of pages processed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaudit_bytes_total",
				Help: "Total number of HTML bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaudit_fetch_attempts_total",
				Help: "Network executor attempts, labeled by outcome kind.",
			},
			[]string{"outcome"},
		)

		escalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaudit_escalations_total",
				Help: "Stealth escalations, labeled by path and result.",
			},
			[]string{"path", "result"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaudit_cache_lookups_total",
				Help: "Content cache lookups, labeled by result (hit, miss, invalidated).",
			},
			[]string{"result"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webaudit_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		crawlerRateLimitHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webaudit_rate_limit_hits_total",
				Help: "Responses that signalled rate limiting (429, 503 or soft block).",
			},
		)

		browserCheckouts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webaudit_browser_checkouts",
				Help: "Browser instances currently checked out of the pool.",
			},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webaudit_robots_fallbacks_total",
				Help: "robots.txt fetches replaced by allow-all after repeated TLS handshake timeouts.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method and route.",
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

// ObservePage increments the page counters.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchAttempt records one executor attempt outcome.
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEscalation records a stealth escalation.
func ObserveEscalation(path string, ok bool) {
	Init()
	result := "failure"
	if ok {
		result = "success"
	}
	escalationsTotal.WithLabelValues(path, result).Inc()
}

// ObserveCacheLookup records a cache hit, miss or invalidation.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitHit counts a rate-limit signal from an origin.
func ObserveRateLimitHit() {
	Init()
	crawlerRateLimitHitsTotal.Inc()
}

// IncBrowserCheckouts increments the checked-out browsers gauge.
func IncBrowserCheckouts() {
	Init()
	browserCheckouts.Inc()
}

// DecBrowserCheckouts decrements the checked-out browsers gauge.
func DecBrowserCheckouts() {
	Init()
	browserCheckouts.Dec()
}

// ObserveRobotsFallback counts a robots.txt allow-all fallback.
func ObserveRobotsFallback() {
	Init()
	robotsFallbacksTotal.Inc()
}

// ObserveHTTPRequest increments the status API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
