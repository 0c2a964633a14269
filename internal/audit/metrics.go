package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askledger_audit_records_submitted_total",
			Help: "Audit records accepted by the dispatcher.",
		},
	)
	recordsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askledger_audit_records_dropped_total",
			Help: "Audit records dropped because the dispatcher queue was full or closed.",
		},
	)
	batchesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askledger_audit_batches_total",
			Help: "Audit batches handed to sinks by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(recordsSubmitted, recordsDropped, batchesWritten)
}
