package query

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/field-sync-engine/internal/observability"
)

var (
	fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "query",
		Name:      "fetches_total",
		Help:      "Completed query fetches by outcome.",
	}, []string{"result"})

	dedupJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "query",
		Name:      "dedup_joins_total",
		Help:      "Callers that joined an already in-flight fetch.",
	})

	retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "query",
		Name:      "retries_total",
		Help:      "Fetch attempts retried after a retryable failure.",
	})

	timeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "query",
		Name:      "timeouts_total",
		Help:      "Caller waits abandoned at the query timeout.",
	})

	activeQueries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "query",
		Name:      "active_handles",
		Help:      "Registered query handles.",
	})
)

func init() {
	prometheus.MustRegister(fetches, dedupJoins, retries, timeouts, activeQueries)
}

var tracer = observability.Tracer("query")
