// Package prediction holds the domain model for the failure prediction
// engine: health snapshots, the service dependency graph, and predictions.
package prediction

import (
	"time"

	"github.com/google/uuid"

	errs "foresight/pkg/errors"
)

// ErrNotFound keeps prediction-store 404s consistent across implementations.
var ErrNotFound = errs.New(errs.CodeNotFound, "record not found")

// HealthStatus is the reported state of a service.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusDown     HealthStatus = "down"
)

// Valid reports whether the status is one of the known states.
func (s HealthStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusDown:
		return true
	}
	return false
}

// ServiceHealthSnapshot is one externally-supplied health observation.
type ServiceHealthSnapshot struct {
	ServiceName string
	Status      HealthStatus
	ErrorRate   float64
	LatencyMS   float64
	ObservedAt  time.Time
}

// Validate reports whether the snapshot carries the fields analysis needs.
func (s ServiceHealthSnapshot) Validate() error {
	if s.ServiceName == "" {
		return errs.New(errs.CodeBadRequest, "snapshot missing service name")
	}
	if !s.Status.Valid() {
		return errs.New(errs.CodeBadRequest, "snapshot has unknown status")
	}
	if s.ErrorRate < 0 || s.ErrorRate > 1 {
		return errs.New(errs.CodeBadRequest, "snapshot error rate outside [0, 1]")
	}
	return nil
}

// DependencyType classifies an edge in the dependency graph.
type DependencyType string

const (
	DependencyCritical DependencyType = "critical"
	DependencyOptional DependencyType = "optional"
)

// DependencyEdge declares that ServiceName depends on DependsOn, so a failure
// of DependsOn may affect ServiceName.
type DependencyEdge struct {
	ServiceName    string
	DependsOn      string
	DependencyType DependencyType
	Weight         float64
}

// PredictionType classifies a prediction.
type PredictionType string

const (
	TypeFailure PredictionType = "failure"
	TypeLatency PredictionType = "latency"
	TypeAnomaly PredictionType = "anomaly"
	TypeCascade PredictionType = "cascade"
)

// Anomaly is one detector finding for a service in the current window.
type Anomaly struct {
	Service string
	Type    string
}

// Details carries the structured evidence behind a prediction. Only the
// fields relevant to the prediction type are populated.
type Details struct {
	Reasoning string `json:"reasoning"`

	// failure
	ErrorRate float64 `json:"error_rate,omitempty"`

	// latency
	CurrentLatencyMS   float64 `json:"current_latency_ms,omitempty"`
	PredictedLatencyMS float64 `json:"predicted_latency_ms,omitempty"`
	LatencySlope       float64 `json:"latency_slope,omitempty"`

	// anomaly
	AnomalyTypes []string `json:"anomaly_types,omitempty"`

	// cascade
	FailingService   string   `json:"failing_service,omitempty"`
	AffectedServices []string `json:"affected_services,omitempty"`
	CascadeDepth     int      `json:"cascade_depth,omitempty"`
	CriticalRatio    float64  `json:"critical_ratio,omitempty"`
	AvgWeight        float64  `json:"avg_weight,omitempty"`
}

// Prediction is a forecast emitted by the engine.
type Prediction struct {
	ID                   uuid.UUID
	ServiceName          string
	Type                 PredictionType
	Confidence           float64
	TimeToFailureSeconds *int64
	Details              Details
	CreatedAt            time.Time
	ExpiresAt            time.Time
	AcknowledgedAt       *time.Time
	ResolvedAt           *time.Time
}

// Active reports whether the prediction is live at the given instant.
func (p *Prediction) Active(now time.Time) bool {
	return p.ResolvedAt == nil && now.Before(p.ExpiresAt)
}

// predictionNS namespaces the deterministic prediction IDs.
var predictionNS = uuid.MustParse("8f1d6c1e-5a3b-4d2e-9c47-1b0a9e7f3d55")

// NewID derives a deterministic prediction ID from the service, type, and
// creation time bucketed to the minute. Repeated analysis runs within the
// same tick regenerate the same ID and upsert instead of duplicating live
// predictions.
func NewID(service string, t PredictionType, createdAt time.Time) uuid.UUID {
	bucket := createdAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	return uuid.NewSHA1(predictionNS, []byte(service+"|"+string(t)+"|"+bucket))
}
