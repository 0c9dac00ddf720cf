// Package metrics provides Prometheus metrics for gqlconsole.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gqlconsole"

// Metrics holds the collectors. It satisfies tokencache.Observer,
// auth.Recorder and graphql.Recorder so one value can be handed to each.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups      *prometheus.CounterVec
	cacheEvents       *prometheus.CounterVec
	tokenAcquisitions *prometheus.CounterVec
	graphqlRequests   *prometheus.CounterVec
	graphqlDuration   *prometheus.HistogramVec
	proxyDuration     *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_cache_lookups_total",
				Help:      "Token cache lookups by environment, result and tier",
			},
			[]string{"environment", "result", "tier"},
		),

		cacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_cache_events_total",
				Help:      "Token cache mutations by kind",
			},
			[]string{"event"},
		),

		tokenAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_acquisitions_total",
				Help:      "Token exchange attempts by environment, strategy and result",
			},
			[]string{"environment", "strategy", "result"},
		),

		graphqlRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graphql_requests_total",
				Help:      "GraphQL operations by environment and outcome",
			},
			[]string{"environment", "outcome"},
		),

		graphqlDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "graphql_request_duration_seconds",
				Help:      "Duration of GraphQL operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"environment"},
		),

		proxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_request_duration_seconds",
				Help:      "Duration of proxy route requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TokenStored implements tokencache.Observer.
func (m *Metrics) TokenStored(tokencache.EntryInfo) {
	m.cacheEvents.WithLabelValues("stored").Inc()
}

// TokenRemoved implements tokencache.Observer.
func (m *Metrics) TokenRemoved(_, _ string) {
	m.cacheEvents.WithLabelValues("removed").Inc()
}

// CacheCleared implements tokencache.Observer.
func (m *Metrics) CacheCleared(int) {
	m.cacheEvents.WithLabelValues("cleared").Inc()
}

// CacheHit implements tokencache.Observer.
func (m *Metrics) CacheHit(envKey, tier string) {
	m.cacheLookups.WithLabelValues(envKey, "hit", tier).Inc()
}

// CacheMiss implements tokencache.Observer.
func (m *Metrics) CacheMiss(envKey string) {
	m.cacheLookups.WithLabelValues(envKey, "miss", "").Inc()
}

// TokenAcquisition records one exchange attempt.
func (m *Metrics) TokenAcquisition(envKey, strategy, result string) {
	m.tokenAcquisitions.WithLabelValues(envKey, strategy, result).Inc()
}

// GraphQLRequest records one GraphQL operation.
func (m *Metrics) GraphQLRequest(envKey, outcome string, elapsed time.Duration) {
	m.graphqlRequests.WithLabelValues(envKey, outcome).Inc()
	m.graphqlDuration.WithLabelValues(envKey).Observe(elapsed.Seconds())
}

// ObserveProxy records one request to a proxy route.
func (m *Metrics) ObserveProxy(route string, status int, elapsed time.Duration) {
	m.proxyDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Instrument wraps next and records its latency under route.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.ObserveProxy(route, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}

	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
