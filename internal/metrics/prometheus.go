// Package metrics exposes Prometheus collectors for the cache store, the
// cache-aside engine, the admission queue and the edge cache.
//
// Every method is safe to call on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Cache
	cacheLookups   *prometheus.CounterVec
	cacheFallbacks *prometheus.CounterVec
	cacheDegraded  prometheus.Gauge
	invalidations  *prometheus.CounterVec
	purgedKeys     *prometheus.CounterVec

	// Admission queue
	queueRunning prometheus.Gauge
	queuePending prometheus.Gauge
	queueWait    prometheus.Histogram
	queueResults *prometheus.CounterVec

	// Edge cache
	edgeLookups *prometheus.CounterVec
	edgeWarm    *prometheus.CounterVec
}

// queueWaitBuckets are the admission wait buckets in milliseconds.
var queueWaitBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// New creates the collectors under namespace on a fresh registry that also
// carries the Go and process collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache-aside lookups by region and result",
			},
			[]string{"region", "result"},
		),
		cacheFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_fallbacks_total",
				Help:      "Distributed cache operations that failed over to the local cache",
			},
			[]string{"op"},
		),
		cacheDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_degraded",
				Help:      "1 while the cache store is serving from the local fallback",
			},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Invalidation fan-outs by entity and status",
			},
			[]string{"entity", "status"},
		),
		purgedKeys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_purged_keys_total",
				Help:      "Keys removed by invalidation, by entity",
			},
			[]string{"entity"},
		),

		queueRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_running",
				Help:      "Critical operations currently holding a concurrency slot",
			},
		),
		queuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_pending",
				Help:      "Critical operations waiting for a concurrency slot",
			},
		),
		queueWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Time critical operations spent pending before admission",
				Buckets:   queueWaitBuckets,
			},
		),
		queueResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_operations_total",
				Help:      "Completed critical operations by status",
			},
			[]string{"status"},
		),

		edgeLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edge_lookups_total",
				Help:      "Edge cache lookups by result",
			},
			[]string{"result"},
		),
		edgeWarm: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edge_warm_objects_total",
				Help:      "Objects processed by edge cache warm-up, by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.cacheLookups, m.cacheFallbacks, m.cacheDegraded, m.invalidations, m.purgedKeys,
		m.queueRunning, m.queuePending, m.queueWait, m.queueResults,
		m.edgeLookups, m.edgeWarm,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCacheLookup counts a cache-aside hit or miss.
func (m *Metrics) RecordCacheLookup(region string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(region, result).Inc()
}

// RecordCacheFallback counts a distributed failure absorbed by the fallback.
func (m *Metrics) RecordCacheFallback(op string) {
	if m == nil {
		return
	}
	m.cacheFallbacks.WithLabelValues(op).Inc()
}

// SetCacheDegraded flips the degraded gauge.
func (m *Metrics) SetCacheDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.cacheDegraded.Set(1)
	} else {
		m.cacheDegraded.Set(0)
	}
}

// RecordInvalidation counts one fan-out and the keys it removed.
func (m *Metrics) RecordInvalidation(entity string, partial bool, removed int) {
	if m == nil {
		return
	}
	status := "ok"
	if partial {
		status = "partial"
	}
	m.invalidations.WithLabelValues(entity, status).Inc()
	m.purgedKeys.WithLabelValues(entity).Add(float64(removed))
}

// SetQueueState publishes the admission queue occupancy.
func (m *Metrics) SetQueueState(running, pending int) {
	if m == nil {
		return
	}
	m.queueRunning.Set(float64(running))
	m.queuePending.Set(float64(pending))
}

// ObserveQueueWait records how long an operation waited for admission.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(float64(d.Milliseconds()))
}

// RecordQueueResult counts a finished critical operation.
func (m *Metrics) RecordQueueResult(failed bool) {
	if m == nil {
		return
	}
	status := "completed"
	if failed {
		status = "failed"
	}
	m.queueResults.WithLabelValues(status).Inc()
}

// RecordEdgeLookup counts an edge cache hit or miss.
func (m *Metrics) RecordEdgeLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.edgeLookups.WithLabelValues(result).Inc()
}

// RecordWarm counts the result of a warm-up pass.
func (m *Metrics) RecordWarm(stored, failed int) {
	if m == nil {
		return
	}
	m.edgeWarm.WithLabelValues("stored").Add(float64(stored))
	m.edgeWarm.WithLabelValues("failed").Add(float64(failed))
}
