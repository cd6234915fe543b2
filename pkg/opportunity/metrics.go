package opportunity

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ProbeDuration tracks how long each probe takes
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_probe_duration_seconds",
			Help:    "Duration of opportunity probes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"probe"},
	)

	// ProbeFailures counts failed probe runs
	ProbeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_probe_failures_total",
			Help: "Total number of failed probe runs",
		},
		[]string{"probe"},
	)
)

func init() {
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(ProbeFailures)
}
