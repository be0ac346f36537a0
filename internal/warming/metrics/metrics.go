package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EntriesWarmed prometheus.Counter
	WarmFailures  prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		EntriesWarmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foresight_cache_entries_warmed_total",
			Help: "Total cache entries written by the warmer",
		}),
		WarmFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foresight_cache_warm_failures_total",
			Help: "Total warming passes that failed on a cache write",
		}),
	}
}
