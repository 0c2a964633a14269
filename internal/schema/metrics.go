package schema

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askledger_schema_cache_lookups_total",
			Help: "Schema cache lookups by result (hit, miss, stale).",
		},
		[]string{"result"},
	)
	cacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askledger_schema_cache_refreshes_total",
			Help: "Schema refreshes against the source by status (ok, error, superseded).",
		},
		[]string{"status"},
	)
	cacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askledger_schema_cache_invalidations_total",
			Help: "Explicit schema cache invalidations.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheLookups, cacheRefreshes, cacheInvalidations)
}
