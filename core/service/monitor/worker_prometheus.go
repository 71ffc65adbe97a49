package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Export
// =============================================================================

type collectors struct {
	latency *prometheus.HistogramVec
	total   *prometheus.CounterVec
	alerts  *prometheus.CounterVec
}

// newCollectors registers on reg; a nil reg leaves the collectors unregistered.
func newCollectors(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	return &collectors{
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "priority",
			Subsystem: "engine",
			Name:      "operation_duration_ms",
			Help:      "Operation latency in milliseconds",
			Buckets:   []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 30000},
		}, []string{"operation"}),
		total: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "priority",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total operations by outcome",
		}, []string{"operation", "success"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "priority",
			Subsystem: "engine",
			Name:      "alerts_total",
			Help:      "Total alerts fired by rule",
		}, []string{"rule"}),
	}
}

func (c *collectors) observe(op string, durationMs float64, success bool) {
	c.latency.WithLabelValues(op).Observe(durationMs)
	c.total.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}
