package permissions

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	resolvesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "permissions",
		Name:      "resolves_total",
		Help:      "Successful permission matrix resolutions.",
	})

	resolveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "permissions",
		Name:      "resolve_failures_total",
		Help:      "Resolutions that kept the previous matrix after a fetch failure.",
	})
)

func init() {
	prometheus.MustRegister(resolvesTotal, resolveFailures)
}
