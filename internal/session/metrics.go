package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	authEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "auth_events_total",
		Help:      "Raw auth events processed, split by event type.",
	}, []string{"event"})

	tokenRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "token_refreshes_total",
		Help:      "Successful access token refreshes.",
	})

	cacheClears = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "cache_clears_total",
		Help:      "Full local data clears triggered by the auth lifecycle.",
	})
)

func init() {
	prometheus.MustRegister(authEvents, tokenRefreshes, cacheClears)
}
