package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "obsidian_exporter"

// metrics is the scheduler's own instrumentation, served on
// /internal/metrics and kept apart from the exported samples.
type metrics struct {
	cycles      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	skipped     *prometheus.CounterVec
	consecutive *prometheus.GaugeVec
	up          *prometheus.GaugeVec
	certExpiry  *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Collection cycles run, by job and result.",
		}, []string{"job", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of collection cycles.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"job"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_cycles_total",
			Help:      "Ticks skipped because the previous cycle was still running.",
		}, []string{"job"}),
		consecutive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Current streak of failed cycles per job.",
		}, []string{"job"}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_up",
			Help:      "1 if the last cycle of the job succeeded.",
		}, []string{"job"}),
		certExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_cert_expiry_days",
			Help:      "Days until the upstream TLS certificate expires.",
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.duration, m.skipped, m.consecutive, m.up, m.certExpiry)
	}
	return m
}
