package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	deploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployd",
		Name:      "deployments_total",
		Help:      "Deployments reaching running or a terminal state",
	}, []string{"state"})
	deploymentFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployd",
		Name:      "deployment_failures_total",
		Help:      "Failed deployments by error kind",
	}, []string{"kind"})
	timeToRunning = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "deployd",
		Name:      "deployment_duration_seconds",
		Help:      "Time from submission to running",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
	activeDeployments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployd",
		Name:      "active_deployments",
		Help:      "Deployment tasks alive (pipeline or monitor)",
	})
)

func init() {
	prometheus.MustRegister(deploymentsTotal, deploymentFailures, timeToRunning, activeDeployments)
}
