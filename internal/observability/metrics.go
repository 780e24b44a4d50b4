package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "daoist_video"

// Metrics owns a private Prometheus registry.
type Metrics struct {
	registry        *prometheus.Registry
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	compositions    *prometheus.CounterVec
}

// NewMetrics registers the process, runtime and API collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_count",
			Help:      "Number of API requests served.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route"}),
		compositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "composition",
			Name:      "finished_total",
			Help:      "Composition tasks that reached a terminal state.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCount,
		m.requestDuration,
		m.compositions,
	)
	return m
}

// ObserveRequest records one served request. route should be the route
// template, not the raw path, to keep cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// CompositionFinished counts a task reaching status.
func (m *Metrics) CompositionFinished(status string) {
	if m == nil {
		return
	}
	m.compositions.WithLabelValues(status).Inc()
}

// RegisterTaskGauges exposes the live number of tasks per status.
func (m *Metrics) RegisterTaskGauges(count func(status string) int, statuses ...string) {
	for _, s := range statuses {
		status := s
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "composition",
			Name:        "tasks",
			Help:        "Tracked composition tasks by status.",
			ConstLabels: prometheus.Labels{"status": status},
		}, func() float64 { return float64(count(status)) }))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
