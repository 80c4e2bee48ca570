package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	storeHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cache",
		Name:      "hits_total",
		Help:      "Cache reads served from memory, split by freshness.",
	}, []string{"freshness"})

	storeMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cache",
		Name:      "misses_total",
		Help:      "Cache reads that found no usable entry.",
	})

	storeExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cache",
		Name:      "expirations_total",
		Help:      "Entries removed after exceeding their hard TTL.",
	})

	storeInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cache",
		Name:      "invalidations_total",
		Help:      "Entries removed by explicit invalidation.",
	})

	storeEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cache",
		Name:      "entries",
		Help:      "Live entries currently held in memory.",
	})

	mirrorFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cache",
		Name:      "mirror_failures_total",
		Help:      "Best-effort mirror operations that failed.",
	})
)

func init() {
	prometheus.MustRegister(storeHits, storeMisses, storeExpirations, storeInvalidations, storeEntries, mirrorFailures)
}
