package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AnalysisTotal counts analysis cycles by result (ok, partial, unavailable)
	AnalysisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_analysis_total",
			Help: "Total number of opportunity analysis cycles",
		},
		[]string{"result"},
	)

	// AnalysisDuration tracks how long a full analysis takes
	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cadence_analysis_duration_seconds",
			Help:    "Duration of opportunity analysis cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ScheduleConfidence is the confidence of the latest schedule
	ScheduleConfidence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadence_schedule_confidence",
			Help: "Confidence of the latest schedule",
		},
	)

	// ScheduleSize is the number of opportunities in the latest schedule
	ScheduleSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadence_schedule_opportunities",
			Help: "Number of opportunities in the latest schedule",
		},
	)

	// LimitsRefreshTotal counts live limit probes per provider
	LimitsRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_limits_refresh_total",
			Help: "Total number of live limit probes",
		},
		[]string{"provider", "result"},
	)

	// PersistenceErrors counts failed loads and flushes of daily usage
	PersistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_persistence_errors_total",
			Help: "Total number of failed daily usage loads and flushes",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(AnalysisTotal)
	prometheus.MustRegister(AnalysisDuration)
	prometheus.MustRegister(ScheduleConfidence)
	prometheus.MustRegister(ScheduleSize)
	prometheus.MustRegister(LimitsRefreshTotal)
	prometheus.MustRegister(PersistenceErrors)
}
