package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askledger_pipeline_runs_total",
			Help: "Completed pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askledger_pipeline_run_duration_seconds",
			Help:    "End-to-end pipeline latency by classification.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"kind"},
	)
	draftsPerRun = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askledger_pipeline_drafts_per_run",
			Help:    "Drafts validated per SQL run, including the initial draft.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8},
		},
	)
	lowConfidenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askledger_pipeline_low_confidence_total",
			Help: "Drafts downgraded to natural language because the classifier was unsure.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, runDuration, draftsPerRun, lowConfidenceTotal)
}
