package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for housekeeping jobs.
type Metrics struct {
	JobRuns     *prometheus.CounterVec   // labels: job, status
	JobAffected *prometheus.CounterVec   // labels: job
	JobDuration *prometheus.HistogramVec // labels: job
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total housekeeping job runs by outcome.",
		}, []string{"job", "status"}),
		JobAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kijenzi",
			Subsystem: "scheduler",
			Name:      "job_affected_total",
			Help:      "Total sandboxes reaped or records pruned.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kijenzi",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each housekeeping job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.JobRuns,
		m.JobAffected,
		m.JobDuration,
	)

	return m
}

func (m *Metrics) observe(job string, affected int64, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
	if affected > 0 {
		m.JobAffected.WithLabelValues(job).Add(float64(affected))
	}
}
