package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	removalsTotal      *prometheus.CounterVec
	removalDuration    *prometheus.HistogramVec
	activeRemovals     prometheus.Gauge
	polls              prometheus.Histogram
	inputBytesTotal    prometheus.Counter
	outputBytesTotal   prometheus.Counter
	computeTimeMSTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		removalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unwatermark_worker_removals_total",
			Help: "Total removal tasks by source type and outcome.",
		}, []string{"source_type", "status"}),
		removalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unwatermark_worker_removal_duration_seconds",
			Help:    "Duration of removal tasks including export.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"source_type", "status"}),
		activeRemovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unwatermark_worker_active_removals",
			Help: "Removal tasks currently running in the worker.",
		}),
		polls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unwatermark_worker_polls_per_removal",
			Help:    "Status polls needed per successful removal.",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20, 30},
		}),
		inputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwatermark_usage_input_bytes_total",
			Help: "Total bytes uploaded to the removal service.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwatermark_usage_output_bytes_total",
			Help: "Total bytes of exported results.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwatermark_usage_compute_time_ms_total",
			Help: "Total wall time in milliseconds across successful removals.",
		}),
	}

	registry.MustRegister(
		m.removalsTotal,
		m.removalDuration,
		m.activeRemovals,
		m.polls,
		m.inputBytesTotal,
		m.outputBytesTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
