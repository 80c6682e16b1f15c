// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reelscribe",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state by service (closed=0, half-open=1, open=2)",
	}, []string{"service"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reelscribe",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total circuit breaker trips (transitions to open state)",
	}, []string{"service", "reason"})
)

// SetCircuitBreakerState records the active breaker state for a service.
func SetCircuitBreakerState(service string, state float64) {
	circuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(service, reason string) {
	circuitBreakerTrips.WithLabelValues(service, reason).Inc()
}
