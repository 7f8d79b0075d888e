package artifact

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "artifact",
		Name:      "cache_hits_total",
		Help:      "Fetches served from a complete cached artifact",
	})

	fetchedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "artifact",
		Name:      "fetched_bytes_total",
		Help:      "Bytes downloaded into the artifact cache",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, fetchedBytes)
}
