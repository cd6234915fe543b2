package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Requests counts lookups by outcome: hit, miss, stale or error
var Requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cadence_cache_requests_total",
		Help: "Total number of stale cache requests by result",
	},
	[]string{"cache", "result"},
)

func init() {
	prometheus.MustRegister(Requests)
}
