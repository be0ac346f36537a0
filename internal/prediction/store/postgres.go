package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"foresight/internal/prediction"
	"foresight/pkg/requestcontext"
)

// PostgresPredictions persists predictions in the predictions table.
type PostgresPredictions struct {
	pool *pgxpool.Pool
}

func NewPostgresPredictions(pool *pgxpool.Pool) *PostgresPredictions {
	return &PostgresPredictions{pool: pool}
}

const predictionColumns = `id, service_name, prediction_type, confidence,
	time_to_failure_seconds, details, created_at, expires_at,
	acknowledged_at, resolved_at`

// Save upserts a prediction by ID. Re-analysis inside the same ID bucket
// refreshes confidence and evidence instead of inserting a duplicate.
func (s *PostgresPredictions) Save(ctx context.Context, p *prediction.Prediction) error {
	details, err := json.Marshal(p.Details)
	if err != nil {
		return fmt.Errorf("marshal prediction details: %w", err)
	}
	query := `
		INSERT INTO predictions (id, service_name, prediction_type, confidence,
			time_to_failure_seconds, details, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			time_to_failure_seconds = EXCLUDED.time_to_failure_seconds,
			details = EXCLUDED.details,
			expires_at = EXCLUDED.expires_at`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.ServiceName, string(p.Type), p.Confidence,
		p.TimeToFailureSeconds, details, p.CreatedAt, p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save prediction: %w", err)
	}
	return nil
}

// Active returns unresolved, unexpired predictions ordered confidence desc,
// created_at desc. An empty service matches all services.
func (s *PostgresPredictions) Active(ctx context.Context, service string) ([]prediction.Prediction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM predictions
		WHERE resolved_at IS NULL
		  AND expires_at > $1
		  AND ($2 = '' OR service_name = $2)
		ORDER BY confidence DESC, created_at DESC`, predictionColumns)

	rows, err := s.pool.Query(ctx, query, requestcontext.Now(ctx), service)
	if err != nil {
		return nil, fmt.Errorf("query active predictions: %w", err)
	}
	defer rows.Close()

	var out []prediction.Prediction
	for rows.Next() {
		var (
			p       prediction.Prediction
			ptype   string
			ttf     sql.NullInt64
			details []byte
			acked   sql.NullTime
			closed  sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.ServiceName, &ptype, &p.Confidence,
			&ttf, &details, &p.CreatedAt, &p.ExpiresAt, &acked, &closed); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		p.Type = prediction.PredictionType(ptype)
		if ttf.Valid {
			v := ttf.Int64
			p.TimeToFailureSeconds = &v
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &p.Details); err != nil {
				return nil, fmt.Errorf("unmarshal prediction details: %w", err)
			}
		}
		if acked.Valid {
			t := acked.Time
			p.AcknowledgedAt = &t
		}
		if closed.Valid {
			t := closed.Time
			p.ResolvedAt = &t
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate predictions: %w", err)
	}
	return out, nil
}

// Acknowledge marks a prediction operator-confirmed.
func (s *PostgresPredictions) Acknowledge(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE predictions SET acknowledged_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("acknowledge prediction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return prediction.ErrNotFound
	}
	return nil
}

// Resolve closes a prediction.
func (s *PostgresPredictions) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE predictions SET resolved_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("resolve prediction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return prediction.ErrNotFound
	}
	return nil
}

// PostgresHealth persists health snapshots and serves the rolling latency
// window the trend predictor reads.
type PostgresHealth struct {
	pool *pgxpool.Pool
}

func NewPostgresHealth(pool *pgxpool.Pool) *PostgresHealth {
	return &PostgresHealth{pool: pool}
}

// Record appends one health observation.
func (s *PostgresHealth) Record(ctx context.Context, snap prediction.ServiceHealthSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_health (service_name, status, error_rate, latency_ms, observed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.ServiceName, string(snap.Status), snap.ErrorRate, snap.LatencyMS, snap.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("record health snapshot: %w", err)
	}
	return nil
}

// Snapshots returns the most recent observation per service.
func (s *PostgresHealth) Snapshots(ctx context.Context) ([]prediction.ServiceHealthSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (service_name)
			service_name, status, error_rate, latency_ms, observed_at
		FROM service_health
		ORDER BY service_name, observed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query health snapshots: %w", err)
	}
	defer rows.Close()

	var out []prediction.ServiceHealthSnapshot
	for rows.Next() {
		var (
			snap   prediction.ServiceHealthSnapshot
			status string
		)
		if err := rows.Scan(&snap.ServiceName, &status, &snap.ErrorRate,
			&snap.LatencyMS, &snap.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan health snapshot: %w", err)
		}
		snap.Status = prediction.HealthStatus(status)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate health snapshots: %w", err)
	}
	return out, nil
}

// LatencyHistory returns up to limit latency samples for a service, oldest to
// newest.
func (s *PostgresHealth) LatencyHistory(ctx context.Context, service string, limit int) ([]float64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT latency_ms FROM (
			SELECT latency_ms, observed_at
			FROM service_health
			WHERE service_name = $1
			ORDER BY observed_at DESC
			LIMIT $2
		) recent
		ORDER BY observed_at ASC`, service, limit)
	if err != nil {
		return nil, fmt.Errorf("query latency history: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan latency sample: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latency history: %w", err)
	}
	return out, nil
}

// PostgresGraph reads the declared dependency edges.
type PostgresGraph struct {
	pool *pgxpool.Pool
}

func NewPostgresGraph(pool *pgxpool.Pool) *PostgresGraph {
	return &PostgresGraph{pool: pool}
}

// Edges returns every declared dependency edge.
func (s *PostgresGraph) Edges(ctx context.Context) ([]prediction.DependencyEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_name, depends_on, dependency_type, weight
		FROM dependency_edges`)
	if err != nil {
		return nil, fmt.Errorf("query dependency edges: %w", err)
	}
	defer rows.Close()

	var out []prediction.DependencyEdge
	for rows.Next() {
		var (
			edge  prediction.DependencyEdge
			dtype string
		)
		if err := rows.Scan(&edge.ServiceName, &edge.DependsOn, &dtype, &edge.Weight); err != nil {
			return nil, fmt.Errorf("scan dependency edge: %w", err)
		}
		edge.DependencyType = prediction.DependencyType(dtype)
		out = append(out, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependency edges: %w", err)
	}
	return out, nil
}
