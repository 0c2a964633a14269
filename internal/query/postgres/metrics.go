package postgres

import "github.com/prometheus/client_golang/prometheus"

var (
	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askledger_gateway_executions_total",
			Help: "Tenant-scoped statement executions by status.",
		},
		[]string{"status"},
	)
	executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askledger_gateway_execution_duration_seconds",
			Help:    "Wall time of tenant-scoped statement executions.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(executions, executionDuration)
}
