package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "photos",
		Name:      "uploads_total",
		Help:      "Photos uploaded, split by category.",
	}, []string{"category"})

	removalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "photos",
		Name:      "removals_total",
		Help:      "Photos removed from the bucket.",
	})
)

func init() {
	prometheus.MustRegister(uploadsTotal, removalsTotal)
}
