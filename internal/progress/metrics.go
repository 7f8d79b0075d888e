package progress

import "github.com/prometheus/client_golang/prometheus"

var (
	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployd",
		Subsystem: "progress",
		Name:      "subscribers",
		Help:      "Live progress subscriptions",
	})
	drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "progress",
		Name:      "subscriber_drops_total",
		Help:      "Subscriptions closed by the broadcaster",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(subscribers, drops)
}
