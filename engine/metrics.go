package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's Prometheus instruments.
type Metrics struct {
	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers run metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_engine_runs_total",
			Help: "Finished runs, by trigger and final status.",
		}, []string{"trigger", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quill_engine_run_duration_seconds",
			Help:    "Graph run wall time, by trigger.",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger"}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.RunDuration)
	}
	return m
}
