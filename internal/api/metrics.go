package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	rateLimitRejected *prometheus.CounterVec
	removalsQueued    *prometheus.CounterVec
	uploadedBytes     prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	labels := []string{"method", "route", "status"}
	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unwatermark_api_requests_total",
			Help: "HTTP requests handled by the API.",
		}, labels),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unwatermark_api_request_duration_seconds",
			Help:    "API request latency. Multipart uploads dominate the upper buckets.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, labels),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unwatermark_api_requests_in_flight",
			Help: "Requests currently being served.",
		}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unwatermark_api_rate_limit_rejections_total",
			Help: "Removal submissions rejected by the per-user token bucket.",
		}, []string{"route"}),
		removalsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unwatermark_api_removals_queued_total",
			Help: "Removals handed to the worker queue.",
		}, []string{"queue", "source_type"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwatermark_api_uploaded_bytes_total",
			Help: "Bytes of images received as multipart uploads.",
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.inFlight,
		m.rateLimitRejected,
		m.removalsQueued,
		m.uploadedBytes,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		values := []string{r.Method, routeLabel(r.URL.Path), strconv.Itoa(recorder.status)}
		m.requestTotal.WithLabelValues(values...).Inc()
		m.requestDuration.WithLabelValues(values...).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses paths to their route so removal ids do not explode
// label cardinality.
func routeLabel(path string) string {
	switch {
	case path == "/v1/removals":
		return path
	case strings.HasPrefix(path, "/v1/removals/"):
		return "/v1/removals/{id}"
	case path == "/healthz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
