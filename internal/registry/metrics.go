package registry

import "github.com/prometheus/client_golang/prometheus"

var persistErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "deployd",
	Subsystem: "registry",
	Name:      "persist_errors_total",
	Help:      "Record writes the store rejected",
})

func init() {
	prometheus.MustRegister(persistErrors)
}
