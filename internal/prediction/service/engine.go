// Package service implements the failure prediction engine: it turns health
// snapshots and the dependency graph into ranked failure, latency, anomaly,
// and cascade predictions.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"foresight/internal/prediction"
	"foresight/internal/prediction/metrics"
	"foresight/pkg/stats"
)

const (
	// maxHistorySamples bounds the regression window so per-invocation cost
	// stays constant.
	maxHistorySamples = 20
	// minTrendSamples is the smallest window worth fitting a trend to.
	minTrendSamples = 5

	latencyThresholdMS = 500
	anomalyConfidence  = 0.7
	maxConfidence      = 0.95

	// trendHorizonSamples is how far ahead the latency trend is projected.
	trendHorizonSamples = 5

	cascadeTimeToFailureSeconds int64 = 300

	failureExpiry = 24 * time.Hour
	latencyExpiry = 6 * time.Hour
	anomalyExpiry = 2 * time.Hour
	cascadeExpiry = 1 * time.Hour
)

// Store persists predictions.
type Store interface {
	// Save upserts a prediction by its deterministic ID.
	Save(ctx context.Context, p *prediction.Prediction) error

	// Active returns live predictions ordered confidence desc, created_at
	// desc, optionally filtered by service name ("" means all).
	Active(ctx context.Context, service string) ([]prediction.Prediction, error)

	Acknowledge(ctx context.Context, id uuid.UUID, at time.Time) error
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) error
}

// HistorySource yields the rolling latency history for a service, oldest to
// newest, bounded by limit.
type HistorySource interface {
	LatencyHistory(ctx context.Context, service string, limit int) ([]float64, error)
}

// AnomalyDetector reports anomalies observed for a service in the current
// window. A nil detector disables the anomaly predictor.
type AnomalyDetector interface {
	Detect(ctx context.Context, service string) ([]prediction.Anomaly, error)
}

// Engine runs the predictors.
type Engine struct {
	store    Store
	history  HistorySource
	detector AnomalyDetector
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	tracer   trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithAnomalyDetector(detector AnomalyDetector) Option {
	return func(e *Engine) { e.detector = detector }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine wires the engine with its store and telemetry history source.
func NewEngine(store Store, history HistorySource, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("prediction store is required")
	}
	if history == nil {
		return nil, fmt.Errorf("latency history source is required")
	}
	e := &Engine{
		store:   store,
		history: history,
		logger:  slog.Default(),
		clock:   time.Now,
		tracer:  otel.Tracer("foresight/prediction"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Analyze runs the per-service predictors and the graph-wide cascade
// predictor over the given snapshots. Every emitted prediction is persisted;
// a persistence failure for one prediction is logged and does not abort the
// rest, and the full in-memory result is returned regardless.
func (e *Engine) Analyze(ctx context.Context, snapshots []prediction.ServiceHealthSnapshot, graph *prediction.DependencyGraph) []prediction.Prediction {
	ctx, span := e.tracer.Start(ctx, "prediction.Analyze")
	defer span.End()

	start := time.Now()
	now := e.clock()

	var preds []prediction.Prediction
	for _, snap := range snapshots {
		if err := snap.Validate(); err != nil {
			e.logger.Warn("skipping malformed snapshot", "service", snap.ServiceName, "error", err)
			if e.metrics != nil {
				e.metrics.SnapshotsSkipped.Inc()
			}
			continue
		}
		if p := e.predictFailure(snap, now); p != nil {
			preds = append(preds, *p)
		}
		if p := e.predictLatency(ctx, snap, now); p != nil {
			preds = append(preds, *p)
		}
		if p := e.predictAnomaly(ctx, snap, now); p != nil {
			preds = append(preds, *p)
		}
	}
	preds = append(preds, e.predictCascades(snapshots, graph, now)...)

	for i := range preds {
		if err := e.store.Save(ctx, &preds[i]); err != nil {
			e.logger.Error("store prediction failed",
				"service", preds[i].ServiceName,
				"type", preds[i].Type,
				"error", err,
			)
			if e.metrics != nil {
				e.metrics.StoreFailures.Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.ObserveEmitted(string(preds[i].Type))
		}
	}

	if e.metrics != nil {
		e.metrics.AnalysisDurationSecs.Observe(time.Since(start).Seconds())
	}
	return preds
}

// Active returns live predictions, optionally filtered by service.
func (e *Engine) Active(ctx context.Context, service string) ([]prediction.Prediction, error) {
	return e.store.Active(ctx, service)
}

// Acknowledge marks a prediction as operator-confirmed.
func (e *Engine) Acknowledge(ctx context.Context, id uuid.UUID) error {
	return e.store.Acknowledge(ctx, id, e.clock())
}

// Resolve closes a prediction.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID) error {
	return e.store.Resolve(ctx, id, e.clock())
}

// predictFailure fires for degraded services. Confidence grows with the
// error rate; time to failure steps down as the error rate climbs.
func (e *Engine) predictFailure(snap prediction.ServiceHealthSnapshot, now time.Time) *prediction.Prediction {
	if snap.Status != prediction.StatusDegraded {
		return nil
	}
	confidence := math.Min(maxConfidence, 0.65+0.3*snap.ErrorRate)
	ttf := timeToFailure(snap)
	return &prediction.Prediction{
		ID:                   prediction.NewID(snap.ServiceName, prediction.TypeFailure, now),
		ServiceName:          snap.ServiceName,
		Type:                 prediction.TypeFailure,
		Confidence:           confidence,
		TimeToFailureSeconds: &ttf,
		Details: prediction.Details{
			Reasoning: fmt.Sprintf("service %s is degraded with error rate %.2f", snap.ServiceName, snap.ErrorRate),
			ErrorRate: snap.ErrorRate,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(failureExpiry),
	}
}

func timeToFailure(snap prediction.ServiceHealthSnapshot) int64 {
	switch {
	case snap.ErrorRate > 0.5:
		return 300
	case snap.ErrorRate > 0.3:
		return 900
	case snap.ErrorRate > 0.1:
		return 1800
	case snap.LatencyMS > 2000:
		return 1800
	default:
		return 3600
	}
}

// predictLatency fires when latency is elevated and the recent trend slopes
// upward. Confidence is the regression fit quality; a degenerate fit means
// zero confidence, not an error.
func (e *Engine) predictLatency(ctx context.Context, snap prediction.ServiceHealthSnapshot, now time.Time) *prediction.Prediction {
	if snap.LatencyMS <= latencyThresholdMS {
		return nil
	}
	history, err := e.history.LatencyHistory(ctx, snap.ServiceName, maxHistorySamples)
	if err != nil {
		e.logger.Warn("latency history unavailable, skipping trend predictor",
			"service", snap.ServiceName, "error", err)
		return nil
	}
	if len(history) < minTrendSamples {
		return nil
	}

	fit := stats.FitLinear(history)
	if !fit.OK || fit.Slope <= 0 {
		return nil
	}

	last := history[len(history)-1]
	predicted := last + fit.Slope*trendHorizonSamples
	return &prediction.Prediction{
		ID:          prediction.NewID(snap.ServiceName, prediction.TypeLatency, now),
		ServiceName: snap.ServiceName,
		Type:        prediction.TypeLatency,
		Confidence:  fit.R2,
		Details: prediction.Details{
			Reasoning: fmt.Sprintf("latency for %s trending upward: %.0fms now, %.0fms projected (slope %.1fms/sample, r2 %.2f)",
				snap.ServiceName, last, predicted, fit.Slope, fit.R2),
			CurrentLatencyMS:   last,
			PredictedLatencyMS: predicted,
			LatencySlope:       fit.Slope,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(latencyExpiry),
	}
}

// predictAnomaly fires when the external detector reports at least one
// anomaly for the service in the current window. Detector unavailability
// degrades to skipping this predictor.
func (e *Engine) predictAnomaly(ctx context.Context, snap prediction.ServiceHealthSnapshot, now time.Time) *prediction.Prediction {
	if e.detector == nil {
		return nil
	}
	anomalies, err := e.detector.Detect(ctx, snap.ServiceName)
	if err != nil {
		e.logger.Warn("anomaly detector unavailable, skipping predictor",
			"service", snap.ServiceName, "error", err)
		return nil
	}
	if len(anomalies) == 0 {
		return nil
	}

	types := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		types = append(types, a.Type)
	}
	return &prediction.Prediction{
		ID:          prediction.NewID(snap.ServiceName, prediction.TypeAnomaly, now),
		ServiceName: snap.ServiceName,
		Type:        prediction.TypeAnomaly,
		Confidence:  anomalyConfidence,
		Details: prediction.Details{
			Reasoning:    fmt.Sprintf("%d anomalies detected for %s in current window", len(anomalies), snap.ServiceName),
			AnomalyTypes: types,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(anomalyExpiry),
	}
}

// predictCascades runs the graph-wide predictor: for every degraded or down
// service with dependents, estimate how likely and how deep the failure
// propagates. A missing or empty graph yields no cascade predictions.
func (e *Engine) predictCascades(snapshots []prediction.ServiceHealthSnapshot, graph *prediction.DependencyGraph, now time.Time) []prediction.Prediction {
	if graph == nil {
		return nil
	}

	var preds []prediction.Prediction
	for _, snap := range snapshots {
		if snap.Status != prediction.StatusDegraded && snap.Status != prediction.StatusDown {
			continue
		}
		deps := graph.Dependents(snap.ServiceName)
		if len(deps) == 0 {
			continue
		}

		critical := 0
		sumWeight := 0.0
		affected := make([]string, 0, len(deps))
		for _, edge := range deps {
			if edge.DependencyType == prediction.DependencyCritical {
				critical++
			}
			sumWeight += edge.Weight
			affected = append(affected, edge.ServiceName)
		}
		criticalRatio := float64(critical) / float64(len(deps))
		avgWeight := sumWeight / float64(len(deps))
		confidence := math.Min(maxConfidence, criticalRatio+0.3*avgWeight)
		depth := graph.CascadeDepth(snap.ServiceName)

		ttf := cascadeTimeToFailureSeconds
		preds = append(preds, prediction.Prediction{
			ID:                   prediction.NewID(snap.ServiceName, prediction.TypeCascade, now),
			ServiceName:          snap.ServiceName,
			Type:                 prediction.TypeCascade,
			Confidence:           confidence,
			TimeToFailureSeconds: &ttf,
			Details: prediction.Details{
				Reasoning: fmt.Sprintf("%s is %s and %d dependent services may cascade (depth %d)",
					snap.ServiceName, snap.Status, len(deps), depth),
				FailingService:   snap.ServiceName,
				AffectedServices: affected,
				CascadeDepth:     depth,
				CriticalRatio:    criticalRatio,
				AvgWeight:        avgWeight,
			},
			CreatedAt: now,
			ExpiresAt: now.Add(cascadeExpiry),
		})
	}
	return preds
}
