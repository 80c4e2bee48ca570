package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Name:      "events_total",
		Help:      "Change-feed events received, split by table.",
	}, []string{"table"})

	flushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "realtime",
		Name:      "flushes_total",
		Help:      "Debounced invalidation batches flushed.",
	})

	channelsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Name:      "channels_open",
		Help:      "Topics currently joined on the change-feed socket.",
	})
)

func init() {
	prometheus.MustRegister(eventsReceived, flushesTotal, channelsOpen)
}
