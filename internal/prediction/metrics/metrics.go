package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PredictionsEmitted   *prometheus.CounterVec
	SnapshotsSkipped     prometheus.Counter
	StoreFailures        prometheus.Counter
	AnalysisDurationSecs prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		PredictionsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "foresight_predictions_emitted_total",
			Help: "Total predictions emitted by type",
		}, []string{"type"}),
		SnapshotsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foresight_prediction_snapshots_skipped_total",
			Help: "Total malformed health snapshots skipped during analysis",
		}),
		StoreFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "foresight_prediction_store_failures_total",
			Help: "Total predictions that could not be persisted",
		}),
		AnalysisDurationSecs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "foresight_prediction_analysis_duration_seconds",
			Help:    "Latency of full analysis passes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ObserveEmitted(predictionType string) {
	m.PredictionsEmitted.WithLabelValues(predictionType).Inc()
}
