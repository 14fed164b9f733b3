package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the lifecycle collectors.
type Metrics struct {
	Created      *prometheus.CounterVec
	Deduplicated *prometheus.CounterVec
	Finished     *prometheus.CounterVec
	Reaped       *prometheus.CounterVec
	Running      prometheus.Gauge
	Duration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listingintel",
			Name:      "jobs_created_total",
			Help:      "Jobs inserted by an idempotent create.",
		}, []string{"job_type"}),
		Deduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listingintel",
			Name:      "jobs_deduplicated_total",
			Help:      "Create calls answered with an already active job.",
		}, []string{"job_type"}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listingintel",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"job_type", "status"}),
		Reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "listingintel",
			Name:      "jobs_reaped_total",
			Help:      "Jobs removed or timed out by the reaper.",
		}, []string{"reason"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "listingintel",
			Name:      "jobs_workers_running",
			Help:      "Worker goroutines currently executing in this process.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "listingintel",
			Name:      "job_duration_seconds",
			Help:      "Time from start to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.Created, m.Deduplicated, m.Finished, m.Reaped, m.Running, m.Duration)
	}
	return m
}
