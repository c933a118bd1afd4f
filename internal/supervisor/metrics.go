package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Restart reasons.
const (
	reasonStale = "stale"
	reasonCrash = "crash"
)

var (
	spawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportd_engine_spawns_total",
			Help: "Total number of engine processes started.",
		},
		[]string{"language"},
	)

	spawnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportd_engine_spawn_failures_total",
			Help: "Total number of failed engine starts, including port exhaustion.",
		},
		[]string{"language"},
	)

	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportd_engine_restarts_total",
			Help: "Total number of engine instances dropped from the registry.",
		},
		[]string{"language", "reason"},
	)

	activeEngines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reportd_engines_active",
			Help: "Number of registered engine instances.",
		},
	)
)

func init() {
	prometheus.MustRegister(spawnsTotal)
	prometheus.MustRegister(spawnFailuresTotal)
	prometheus.MustRegister(restartsTotal)
	prometheus.MustRegister(activeEngines)
}
