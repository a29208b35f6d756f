package unwatermark

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records removal outcomes. A nil *Metrics records nothing.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	pollsTotal        prometheus.Counter
	cacheHitsTotal    prometheus.Counter
}

// NewMetrics builds the client collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unwatermark_client_operations_total",
			Help: "Total watermark removals by outcome.",
		}, []string{"outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unwatermark_client_operation_duration_seconds",
			Help:    "Wall-clock duration of watermark removals.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"}),
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwatermark_client_polls_total",
			Help: "Total job status requests issued.",
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unwatermark_client_cache_hits_total",
			Help: "Total removals answered from the result cache.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.operationsTotal,
			m.operationDuration,
			m.pollsTotal,
			m.cacheHitsTotal,
		)
	}
	return m
}

func (m *Metrics) observe(err error, polls int, cached bool, d time.Duration) {
	if m == nil {
		return
	}

	outcome := string(StateSucceeded)
	if err != nil {
		outcome = KindOf(err).String()
	}
	m.operationsTotal.WithLabelValues(outcome).Inc()
	m.operationDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.pollsTotal.Add(float64(polls))
	if cached {
		m.cacheHitsTotal.Inc()
	}
}
