package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreMetrics holds the Prometheus metrics exposed by the admin listener.
type StoreMetrics struct {
	// Definition store metrics
	definitionReloads *prometheus.CounterVec
	pipelinesLoaded   prometheus.Gauge
	operationsLoaded  prometheus.Gauge
	generation        prometheus.Gauge

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewStoreMetrics creates the metric set on a private registry.
func NewStoreMetrics() *StoreMetrics {
	registry := prometheus.NewRegistry()

	m := &StoreMetrics{
		definitionReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vision_definition_reloads_total",
				Help: "Total number of definition reload attempts by status",
			},
			[]string{"status"},
		),

		pipelinesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vision_pipelines_loaded",
				Help: "Number of pipeline definitions currently loaded",
			},
		),

		operationsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vision_operations_loaded",
				Help: "Number of operation definitions currently loaded",
			},
		),

		generation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vision_definition_generation",
				Help: "Generation counter of the active definition snapshot",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vision_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vision_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.definitionReloads,
		m.pipelinesLoaded,
		m.operationsLoaded,
		m.generation,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordReload records a definition reload attempt
func (m *StoreMetrics) RecordReload(status string) {
	m.definitionReloads.WithLabelValues(status).Inc()
}

// UpdateLoaded records the size and generation of the active snapshot
func (m *StoreMetrics) UpdateLoaded(generation int64, pipelines, operations int) {
	m.generation.Set(float64(generation))
	m.pipelinesLoaded.Set(float64(pipelines))
	m.operationsLoaded.Set(float64(operations))
}

// RecordHTTPRequest records an HTTP request
func (m *StoreMetrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *StoreMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *StoreMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *StoreMetrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/pipelines":
		return "pipelines"
	default:
		return "unknown"
	}
}
