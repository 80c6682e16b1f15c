// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reelscribe",
		Name:      "queue_depth",
		Help:      "Jobs currently waiting in the queue",
	})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reelscribe",
		Name:      "active_jobs",
		Help:      "Jobs currently being processed",
	})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reelscribe",
		Name:      "jobs_total",
		Help:      "Terminal job outcomes (completed, failed, stalled)",
	}, []string{"outcome"})

	jobDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reelscribe",
		Name:      "job_duration_ms",
		Help:      "End-to-end job duration in milliseconds",
		Buckets:   durationBucketsMS,
	})

	stageDurationMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reelscribe",
		Name:      "stage_duration_ms",
		Help:      "Per-stage pipeline duration in milliseconds",
		Buckets:   durationBucketsMS,
	}, []string{"stage"})
)

// SetQueueDepth records the number of waiting jobs.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncActiveJobs marks a job start.
func IncActiveJobs() { activeJobs.Inc() }

// DecActiveJobs marks a job end.
func DecActiveJobs() { activeJobs.Dec() }

// RecordJobOutcome counts a terminal job outcome.
func RecordJobOutcome(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJobDuration records end-to-end job wall time.
func ObserveJobDuration(ms float64) {
	jobDurationMS.Observe(ms)
}

// ObserveStageDuration records a single pipeline stage wall time.
func ObserveStageDuration(stage string, ms float64) {
	stageDurationMS.WithLabelValues(stage).Observe(ms)
}
