package aggregator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the event loop updates every
// cycle: each cycle's decode+matvec wall time is sampled with
// time.Since and exported as a Prometheus histogram, so budget
// violations are visible as a metric.
type Metrics struct {
	CycleDuration    prometheus.Histogram
	DecodeDuration   prometheus.Histogram
	BudgetExceeded   prometheus.Counter
	SaturationTotal  prometheus.Counter // registered, but nothing in this package increments it
	UndecodableRun   prometheus.Gauge
	LateArrival      prometheus.Counter
	FrameOutOfWindow prometheus.Counter
	Registry         *prometheus.Registry
}

// NewMetrics creates and registers a fresh metric set against a private
// registry, so multiple aggregator instances in the same process (tests)
// never collide on prometheus' default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "control_fabric_cycle_duration_seconds",
			Help:    "Wall time spent in decode+matvec per cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		DecodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "control_fabric_decode_duration_seconds",
			Help:    "Wall time spent in the rateless decoder per cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		BudgetExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_fabric_budget_exceeded_total",
			Help: "Cycles whose compute time exceeded B_cpu.",
		}),
		SaturationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_fabric_saturation_total",
			Help: "Saturating clamps observed, diagnostic only.",
		}),
		UndecodableRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "control_fabric_undecodable_run",
			Help: "Current consecutive undecodable-cycle streak.",
		}),
		LateArrival: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_fabric_late_arrival_total",
			Help: "ResultFrames for cycle == current_cycle - 1, recorded but not decoded.",
		}),
		FrameOutOfWindow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "control_fabric_frame_out_of_window_total",
			Help: "Frames dropped for falling outside the ordered-delivery window.",
		}),
		Registry: reg,
	}

	reg.MustRegister(m.CycleDuration, m.DecodeDuration, m.BudgetExceeded, m.SaturationTotal,
		m.UndecodableRun, m.LateArrival, m.FrameOutOfWindow)
	return m
}

// ObserveCycle records a cycle's total compute duration and flags a
// budget violation when it exceeds budget (B_cpu from spec §5).
func (m *Metrics) ObserveCycle(d, budget time.Duration) {
	m.CycleDuration.Observe(d.Seconds())
	if d > budget {
		m.BudgetExceeded.Inc()
	}
}

// ObserveDecode records the decoder's wall time for one cycle.
func (m *Metrics) ObserveDecode(d time.Duration) {
	m.DecodeDuration.Observe(d.Seconds())
}
