package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "request_seconds",
		Help:      "Latency of backend REST and RPC calls.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"op", "status"})

	updateConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "update_conflicts_total",
		Help:      "Version-checked updates that lost the race.",
	})
)

func init() {
	prometheus.MustRegister(requestLatency, updateConflicts)
}
