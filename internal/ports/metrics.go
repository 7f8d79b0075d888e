package ports

import "github.com/prometheus/client_golang/prometheus"

var leasedPorts = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "deployd",
	Subsystem: "ports",
	Name:      "leased",
	Help:      "Ports currently leased to deployments",
})

func init() {
	prometheus.MustRegister(leasedPorts)
}
