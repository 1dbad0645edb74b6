package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the daemon's Prometheus metrics.
//
// Metrics:
//   - <ns>_requests_total: chat completion requests by mode and outcome
//   - <ns>_request_duration_seconds: request duration by mode
//   - <ns>_stream_chunks_total: delta chunks emitted to clients
//   - <ns>_contexts_active: currently tracked backend contexts
//   - <ns>_context_creates_total / <ns>_context_evictions_total
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	streamChunks     prometheus.Counter
	contextsActive   prometheus.Gauge
	contextCreates   prometheus.Counter
	contextEvictions prometheus.Counter
}

// NewCollector creates and registers the metric set. If registry is nil a
// fresh one is used.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Chat completion requests processed, by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of chat completion requests in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		streamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Delta chunks emitted to streaming clients",
		}),
		contextsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_active",
			Help:      "Backend contexts currently tracked by the registry",
		}),
		contextCreates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_creates_total",
			Help:      "Backend contexts created",
		}),
		contextEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_evictions_total",
			Help:      "Backend contexts evicted by TTL sweep or invalidation",
		}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.streamChunks,
		c.contextsActive,
		c.contextCreates,
		c.contextEvictions,
	)
	return c
}

// ObserveRequest records one finished request.
func (c *Collector) ObserveRequest(mode, outcome string, elapsed time.Duration) {
	c.requestsTotal.WithLabelValues(mode, outcome).Inc()
	c.requestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ObserveStreamChunk counts one delta chunk flushed to a client.
func (c *Collector) ObserveStreamChunk() {
	c.streamChunks.Inc()
}

// SetActiveContexts updates the registry size gauge.
func (c *Collector) SetActiveContexts(n int) {
	c.contextsActive.Set(float64(n))
}

// ObserveContextCreate counts one backend context creation.
func (c *Collector) ObserveContextCreate() {
	c.contextCreates.Inc()
}

// ObserveContextEviction counts one eviction.
func (c *Collector) ObserveContextEviction() {
	c.contextEvictions.Inc()
}

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
