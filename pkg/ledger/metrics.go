package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QuotaUsed tracks the units consumed in the current window
	QuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cadence_quota_used",
			Help: "Units consumed in the current quota window",
		},
		[]string{"provider", "window"},
	)

	// QuotaLimit tracks the effective limit of a window (0 when unbounded)
	QuotaLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cadence_quota_limit",
			Help: "Effective limit of a quota window",
		},
		[]string{"provider", "window"},
	)

	// QuotaRemaining tracks limit-used, or -1 for observe-only windows
	QuotaRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cadence_quota_remaining",
			Help: "Capacity left in a quota window (-1 when unbounded)",
		},
		[]string{"provider", "window"},
	)

	// QuotaResetSeconds tracks the reset instant as a unix timestamp
	QuotaResetSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cadence_quota_reset_timestamp_seconds",
			Help: "Unix time at which the quota window resets",
		},
		[]string{"provider", "window"},
	)
)

func init() {
	prometheus.MustRegister(QuotaUsed)
	prometheus.MustRegister(QuotaLimit)
	prometheus.MustRegister(QuotaRemaining)
	prometheus.MustRegister(QuotaResetSeconds)
}

func observeQuota(q ProviderQuota) {
	labels := []string{q.Provider, string(q.Window)}
	QuotaUsed.WithLabelValues(labels...).Set(float64(q.Used))
	QuotaLimit.WithLabelValues(labels...).Set(float64(q.Limit))
	QuotaResetSeconds.WithLabelValues(labels...).Set(float64(q.ResetAt.Unix()))
	if q.Bounded() {
		QuotaRemaining.WithLabelValues(labels...).Set(float64(q.Remaining()))
	} else {
		QuotaRemaining.WithLabelValues(labels...).Set(-1)
	}
}
