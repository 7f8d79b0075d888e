package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	liveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployd",
		Subsystem: "workers",
		Name:      "live",
		Help:      "Worker processes currently supervised",
	})
	workerExits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "workers",
		Name:      "unexpected_exits_total",
		Help:      "Worker processes that exited without a stop request",
	})
)

func init() {
	prometheus.MustRegister(liveWorkers, workerExits)
}
