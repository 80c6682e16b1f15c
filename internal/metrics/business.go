// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reelscribe",
		Name:      "feedback_total",
		Help:      "Feedback events by polarity (positive, negative, rated)",
	}, []string{"polarity"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reelscribe",
		Name:      "active_sessions",
		Help:      "Subscriber sessions currently alive in the ephemeral store",
	})

	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reelscribe",
		Name:      "admissions_total",
		Help:      "Gate decisions (admitted, waitlisted, promoted, blocked, quota)",
	}, []string{"decision"})

	generatorDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reelscribe",
		Name:      "generator_duration_ms",
		Help:      "Script generator call duration in milliseconds",
		Buckets:   durationBucketsMS,
	})

	analysisDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reelscribe",
		Name:      "analysis_duration_ms",
		Help:      "Reel analysis call duration in milliseconds",
		Buckets:   durationBucketsMS,
	})
)

// RecordFeedback counts one feedback event by polarity.
func RecordFeedback(polarity string) {
	feedbackTotal.WithLabelValues(polarity).Inc()
}

// SetActiveSessions records the current live session count.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordAdmission counts one access-gate decision.
func RecordAdmission(decision string) {
	admissionsTotal.WithLabelValues(decision).Inc()
}

// ObserveGeneratorDuration records a generator call wall time.
func ObserveGeneratorDuration(ms float64) {
	generatorDurationMS.Observe(ms)
}

// ObserveAnalysisDuration records an analysis call wall time.
func ObserveAnalysisDuration(ms float64) {
	analysisDurationMS.Observe(ms)
}
