// Package metrics exposes Prometheus collectors for the ingestion service.
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
	sourceRequestsTotal        *prometheus.CounterVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	circuitTransitionsTotal    *prometheus.CounterVec
	embeddingCacheTotal        *prometheus.CounterVec
	embeddingRequestsTotal     *prometheus.CounterVec
	storeConflictsTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sourceRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_source_requests_total",
				Help: "Outbound source requests, labeled by source, host and outcome.",
			},
			[]string{"source", "host", "outcome"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_wait_seconds",
				Help:    "Time callers spent suspended in the per-source limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)

		circuitTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_circuit_transitions_total",
				Help: "Circuit breaker transitions, labeled by source and target state.",
			},
			[]string{"source", "to"},
		)

		embeddingCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_embedding_cache_total",
				Help: "Embedding cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		embeddingRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_embedding_requests_total",
				Help: "Embedding provider batch calls, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		storeConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_store_conflicts_total",
				Help: "Read-decide-write units retried after a storage conflict.",
			},
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

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveSourceRequest counts one outbound request attempt.
func ObserveSourceRequest(source, rawURL, outcome string) {
	Init()
	sourceRequestsTotal.WithLabelValues(source, SanitizeSite(rawURL), outcome).Inc()
}

// ObserveRateLimitWait records how long a caller was suspended by the limiter.
func ObserveRateLimitWait(source string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveCircuitTransition counts a breaker state change.
func ObserveCircuitTransition(source, to string) {
	Init()
	circuitTransitionsTotal.WithLabelValues(source, to).Inc()
}

// ObserveEmbeddingCache records a cache hit or miss.
func ObserveEmbeddingCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	embeddingCacheTotal.WithLabelValues(result).Inc()
}

// ObserveEmbeddingRequest counts a provider batch call.
func ObserveEmbeddingRequest(provider, outcome string) {
	Init()
	embeddingRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveStoreConflict counts a retried read-decide-write unit.
func ObserveStoreConflict() {
	Init()
	storeConflictsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
