// Package metrics exposes the proxy's Prometheus instrumentation: request
// counts, latency histograms, cache hit/miss, consensus failures, and
// endpoint health gauges, registered against a private registry rather than
// the global default so multiple Metrics instances never collide in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the proxy's Prometheus collectors and implements
// internal/collab.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	cacheHitsTotal    *prometheus.CounterVec
	cacheMissesTotal  *prometheus.CounterVec
	consensusFailures *prometheus.CounterVec
	endpointHealthy   *prometheus.GaugeVec
}

// New constructs a Metrics instance with a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcsprint_requests_total",
			Help: "Total JSON-RPC requests routed, by method, endpoint, and outcome",
		}, []string{"method", "endpoint", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpcsprint_request_duration_seconds",
			Help:    "Request-to-upstream latency by method and endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcsprint_cache_hits_total",
			Help: "Response cache hits by method",
		}, []string{"method"}),
		cacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcsprint_cache_misses_total",
			Help: "Response cache misses by method",
		}, []string{"method"}),
		consensusFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcsprint_consensus_failures_total",
			Help: "Consensus evaluations that failed to reach threshold, by method",
		}, []string{"method"}),
		endpointHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpcsprint_endpoint_healthy",
			Help: "1 if the endpoint is considered healthy, 0 otherwise",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.consensusFailures,
		m.endpointHealthy,
	)
	return m
}

// Registry returns the private registry backing this Metrics instance, for
// the /metrics/prometheus HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// IncRequest records one completed request.
func (m *Metrics) IncRequest(method, endpointID string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.requestsTotal.WithLabelValues(method, endpointID, outcome).Inc()
}

// ObserveLatency records a request's upstream latency.
func (m *Metrics) ObserveLatency(method, endpointID string, d time.Duration) {
	m.requestDuration.WithLabelValues(method, endpointID).Observe(d.Seconds())
}

// IncCacheHit records one cache hit for method.
func (m *Metrics) IncCacheHit(method string) { m.cacheHitsTotal.WithLabelValues(method).Inc() }

// IncCacheMiss records one cache miss for method.
func (m *Metrics) IncCacheMiss(method string) { m.cacheMissesTotal.WithLabelValues(method).Inc() }

// IncConsensusFailure records one failed consensus evaluation for method.
func (m *Metrics) IncConsensusFailure(method string) {
	m.consensusFailures.WithLabelValues(method).Inc()
}

// SetEndpointStatus updates the health gauge for endpointID.
func (m *Metrics) SetEndpointStatus(endpointID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.endpointHealthy.WithLabelValues(endpointID).Set(v)
}
