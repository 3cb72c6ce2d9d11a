package evidence

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the capture pipeline collectors.
type Metrics struct {
	captures     *prometheus.CounterVec
	stages       *prometheus.HistogramVec
	packageBytes prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evidence_captures_total",
			Help: "Capture requests by outcome.",
		}, []string{"outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evidence_capture_stage_seconds",
			Help:    "Duration of each capture stage.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		packageBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evidence_package_bytes",
			Help:    "Size of built evidence packages.",
			Buckets: prometheus.ExponentialBuckets(64<<10, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.captures, m.stages, m.packageBytes)
	}
	return m
}

func (m *Metrics) observeStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (m *Metrics) outcome(outcome string) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(outcome).Inc()
}

func (m *Metrics) packageSize(n int) {
	if m == nil {
		return
	}
	m.packageBytes.Observe(float64(n))
}
