// Package store provides prediction persistence plus the health-telemetry
// and dependency-graph lookups the engine consumes: in-memory for tests and
// single-node use, PostgreSQL (pgx) for production.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"foresight/internal/prediction"
)

// MemoryPredictions keeps predictions in process memory.
type MemoryPredictions struct {
	mu    sync.RWMutex
	preds map[uuid.UUID]*prediction.Prediction
	clock func() time.Time
}

// MemoryPredictionsOption configures a MemoryPredictions store.
type MemoryPredictionsOption func(*MemoryPredictions)

// WithClock sets the clock used for the active-window cutoff.
func WithClock(clock func() time.Time) MemoryPredictionsOption {
	return func(s *MemoryPredictions) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewMemoryPredictions(opts ...MemoryPredictionsOption) *MemoryPredictions {
	s := &MemoryPredictions{
		preds: make(map[uuid.UUID]*prediction.Prediction),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save upserts a prediction by ID.
func (s *MemoryPredictions) Save(_ context.Context, p *prediction.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.preds[p.ID] = &cp
	return nil
}

// Active returns live predictions ordered confidence desc, created_at desc.
func (s *MemoryPredictions) Active(_ context.Context, service string) ([]prediction.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock()

	var out []prediction.Prediction
	for _, p := range s.preds {
		if !p.Active(now) {
			continue
		}
		if service != "" && p.ServiceName != service {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Acknowledge marks a prediction operator-confirmed.
func (s *MemoryPredictions) Acknowledge(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preds[id]
	if !ok {
		return prediction.ErrNotFound
	}
	p.AcknowledgedAt = &at
	return nil
}

// Resolve closes a prediction.
func (s *MemoryPredictions) Resolve(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preds[id]
	if !ok {
		return prediction.ErrNotFound
	}
	p.ResolvedAt = &at
	return nil
}

// MemoryHealth keeps rolling health snapshots per service.
type MemoryHealth struct {
	mu         sync.RWMutex
	history    map[string][]prediction.ServiceHealthSnapshot
	maxSamples int
}

func NewMemoryHealth() *MemoryHealth {
	return &MemoryHealth{
		history:    make(map[string][]prediction.ServiceHealthSnapshot),
		maxSamples: 20,
	}
}

// Record appends a snapshot to the service's rolling window.
func (s *MemoryHealth) Record(_ context.Context, snap prediction.ServiceHealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := append(s.history[snap.ServiceName], snap)
	if len(window) > s.maxSamples {
		window = window[len(window)-s.maxSamples:]
	}
	s.history[snap.ServiceName] = window
	return nil
}

// Snapshots returns the latest snapshot per known service.
func (s *MemoryHealth) Snapshots(_ context.Context) ([]prediction.ServiceHealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []prediction.ServiceHealthSnapshot
	for _, window := range s.history {
		if len(window) > 0 {
			out = append(out, window[len(window)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServiceName < out[j].ServiceName
	})
	return out, nil
}

// LatencyHistory returns latency samples oldest to newest, bounded by limit.
func (s *MemoryHealth) LatencyHistory(_ context.Context, service string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window := s.history[service]
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]float64, 0, len(window))
	for _, snap := range window {
		out = append(out, snap.LatencyMS)
	}
	return out, nil
}

// MemoryGraph serves a fixed dependency edge set.
type MemoryGraph struct {
	edges []prediction.DependencyEdge
}

func NewMemoryGraph(edges []prediction.DependencyEdge) *MemoryGraph {
	return &MemoryGraph{edges: append([]prediction.DependencyEdge(nil), edges...)}
}

// Edges returns the configured dependency edges.
func (s *MemoryGraph) Edges(_ context.Context) ([]prediction.DependencyEdge, error) {
	return append([]prediction.DependencyEdge(nil), s.edges...), nil
}
