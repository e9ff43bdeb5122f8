// Package observability exposes prometheus metrics for the resolution
// subsystem. Collectors are created per registerer so tests can use fresh
// registries.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the subsystem's prometheus collectors.
type Metrics struct {
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	Evictions         *prometheus.CounterVec
	Constructions     *prometheus.CounterVec
	CriticalFallbacks prometheus.Counter
	Warmups           *prometheus.CounterVec
	Slots             *prometheus.GaugeVec
}

// NewMetrics creates and registers the subsystem collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "servicekit",
			Name:      "cache_hits_total",
			Help:      "Number of service lookups served from a populated slot.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "servicekit",
			Name:      "cache_misses_total",
			Help:      "Number of service lookups that required construction.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicekit",
			Name:      "evictions_total",
			Help:      "Number of slots evicted under memory pressure, by tier.",
		}, []string{"tier"}),
		Constructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicekit",
			Name:      "constructions_total",
			Help:      "Number of construction attempts, by outcome.",
		}, []string{"outcome"}),
		CriticalFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "servicekit",
			Name:      "critical_fallbacks_total",
			Help:      "Number of unsafe direct constructions taken for critical services.",
		}),
		Warmups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicekit",
			Name:      "warmups_total",
			Help:      "Number of speculative warm-up constructions, by outcome.",
		}, []string{"outcome"}),
		Slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "servicekit",
			Name:      "cache_slots",
			Help:      "Populated cache slots, by tier.",
		}, []string{"tier"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CacheHits, m.CacheMisses, m.Evictions, m.Constructions,
			m.CriticalFallbacks, m.Warmups, m.Slots,
		)
	}
	return m
}

// NewNopMetrics creates unregistered collectors, for callers that do not
// scrape.
func NewNopMetrics() *Metrics {
	return NewMetrics(nil)
}
