// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reelscribe",
	Name:      "cache_lookups_total",
	Help:      "Cache lookups by tier (analysis, script) and result (hit, miss)",
}, []string{"tier", "result"})

// RecordCacheHit counts a cache hit for the given tier.
func RecordCacheHit(tier string) {
	cacheLookups.WithLabelValues(tier, "hit").Inc()
}

// RecordCacheMiss counts a cache miss for the given tier.
func RecordCacheMiss(tier string) {
	cacheLookups.WithLabelValues(tier, "miss").Inc()
}
