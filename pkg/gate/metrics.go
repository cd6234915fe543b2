package gate

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DecisionsTotal counts gate decisions per action
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_gate_decisions_total",
			Help: "Total number of gate decisions",
		},
		[]string{"action", "decision"},
	)

	// CooldownUntil tracks the end of a provider's emergency cooldown
	CooldownUntil = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cadence_provider_cooldown_until_seconds",
			Help: "Unix time at which the provider's emergency cooldown ends",
		},
		[]string{"provider"},
	)

	// RateLimitedTotal counts explicit rate-limit signals per provider
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_provider_rate_limited_total",
			Help: "Total number of rate-limit responses reported by providers",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(CooldownUntil)
	prometheus.MustRegister(RateLimitedTotal)
}
