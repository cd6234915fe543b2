package failover

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FetchTotal counts failover fetches by which providers served them
var FetchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadence_failover_fetch_total",
		Help: "Total number of failover fetches by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(FetchTotal)
}
