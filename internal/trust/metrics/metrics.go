package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AnchorsResolved    *prometheus.CounterVec
	AnchorsMinted      prometheus.Counter
	CommitsTotal       prometheus.Counter
	CommitFailures     prometheus.Counter
	EvolutionRecords   prometheus.Counter
	TrustLevelChanges  *prometheus.CounterVec
	CommitDurationSecs prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		AnchorsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "foresight_trust_anchors_resolved_total",
			Help: "Total anchor resolutions by path (binding, fingerprint, minted)",
		}, []string{"path"}),
		AnchorsMinted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foresight_trust_anchors_minted_total",
			Help: "Total identity anchors requested from the external minting service",
		}),
		CommitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foresight_trust_experience_commits_total",
			Help: "Total experience commits attempted",
		}),
		CommitFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foresight_trust_experience_commit_failures_total",
			Help: "Total experience commits that failed after retry",
		}),
		EvolutionRecords: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foresight_trust_evolution_records_total",
			Help: "Total trust evolution records appended",
		}),
		TrustLevelChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "foresight_trust_level_changes_total",
			Help: "Total trust level transitions by direction",
		}, []string{"direction"}),
		CommitDurationSecs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "foresight_trust_commit_duration_seconds",
			Help:    "Latency of experience commits",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ObserveResolution(path string) {
	m.AnchorsResolved.WithLabelValues(path).Inc()
}

func (m *Metrics) ObserveLevelChange(previous, next int) {
	switch {
	case next > previous:
		m.TrustLevelChanges.WithLabelValues("up").Inc()
	case next < previous:
		m.TrustLevelChanges.WithLabelValues("down").Inc()
	}
}
