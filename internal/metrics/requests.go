// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shared millisecond buckets for all duration histograms.
var durationBucketsMS = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reelscribe",
		Name:      "requests_total",
		Help:      "Total ingress requests by endpoint and outcome status",
	}, []string{"endpoint", "status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reelscribe",
		Name:      "errors_total",
		Help:      "Total errors by class",
	}, []string{"type"})

	ingressDurationMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reelscribe",
		Name:      "ingress_duration_ms",
		Help:      "Ingress handling duration in milliseconds",
		Buckets:   durationBucketsMS,
	}, []string{"endpoint"})
)

// RecordRequest counts one ingress request with its response status.
func RecordRequest(endpoint, status string) {
	requestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordError counts one error by taxonomy class.
func RecordError(class string) {
	errorsTotal.WithLabelValues(class).Inc()
}

// ObserveIngressDuration records the wall time of one ingress request.
func ObserveIngressDuration(endpoint string, ms float64) {
	ingressDurationMS.WithLabelValues(endpoint).Observe(ms)
}
