package auth

import "github.com/prometheus/client_golang/prometheus"

var authFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "askledger_auth_failures_total",
		Help: "Rejected API requests by reason.",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(authFailures)
}
