package query

import "github.com/prometheus/client_golang/prometheus"

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportd_engine_queries_total",
			Help: "Total number of engine queries by outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportd_engine_query_duration_seconds",
			Help:    "Duration of engine queries in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal)
	prometheus.MustRegister(queryDuration)
}
