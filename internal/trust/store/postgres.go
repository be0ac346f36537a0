package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"foresight/internal/trust"
)

// PostgresBindings persists session bindings in PostgreSQL.
type PostgresBindings struct {
	db *sql.DB
}

func NewPostgresBindings(db *sql.DB) *PostgresBindings {
	return &PostgresBindings{db: db}
}

const bindingColumns = `session_id, identity_anchor, platform, client_fingerprint,
	bound_at, last_activity, unbound_at, unbind_reason,
	interactions_count, decisions_count, entities_discovered,
	session_risk_score, session_success_rate`

func (s *PostgresBindings) FindActive(ctx context.Context, sessionID string) (*trust.SessionBinding, error) {
	query := `SELECT ` + bindingColumns + `
		FROM session_bindings
		WHERE session_id = $1 AND unbound_at IS NULL`
	row := s.db.QueryRowContext(ctx, query, sessionID)
	return scanBinding(row)
}

// Find returns the binding for a session regardless of state.
func (s *PostgresBindings) Find(ctx context.Context, sessionID string) (*trust.SessionBinding, error) {
	query := `SELECT ` + bindingColumns + `
		FROM session_bindings
		WHERE session_id = $1`
	row := s.db.QueryRowContext(ctx, query, sessionID)
	return scanBinding(row)
}

// Save upserts the full binding row so Postgres and the in-memory store share
// overwrite semantics.
func (s *PostgresBindings) Save(ctx context.Context, b *trust.SessionBinding) error {
	query := `
		INSERT INTO session_bindings (` + bindingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id) DO UPDATE SET
			identity_anchor = EXCLUDED.identity_anchor,
			platform = EXCLUDED.platform,
			client_fingerprint = EXCLUDED.client_fingerprint,
			bound_at = EXCLUDED.bound_at,
			last_activity = EXCLUDED.last_activity,
			unbound_at = EXCLUDED.unbound_at,
			unbind_reason = EXCLUDED.unbind_reason,
			interactions_count = EXCLUDED.interactions_count,
			decisions_count = EXCLUDED.decisions_count,
			entities_discovered = EXCLUDED.entities_discovered,
			session_risk_score = EXCLUDED.session_risk_score,
			session_success_rate = EXCLUDED.session_success_rate
	`
	var reason sql.NullString
	if b.UnbindReason != "" {
		reason = sql.NullString{String: string(b.UnbindReason), Valid: true}
	}
	var unboundAt sql.NullTime
	if b.UnboundAt != nil {
		unboundAt = sql.NullTime{Time: *b.UnboundAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		b.SessionID, b.IdentityAnchor, b.Platform, b.ClientFingerprint,
		b.BoundAt, b.LastActivity, unboundAt, reason,
		b.Interactions, b.Decisions, b.EntitiesDiscovered,
		b.SessionRiskScore, b.SessionSuccessRate,
	)
	if err != nil {
		return fmt.Errorf("save session binding: %w", err)
	}
	return nil
}

func (s *PostgresBindings) FindAnchorByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	query := `
		SELECT identity_anchor FROM session_bindings
		WHERE client_fingerprint = $1
		ORDER BY bound_at DESC
		LIMIT 1
	`
	var anchor string
	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(&anchor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", trust.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find anchor by fingerprint: %w", err)
	}
	return anchor, nil
}

func (s *PostgresBindings) RecentRiskScores(ctx context.Context, anchor string, limit int) ([]float64, error) {
	query := `
		SELECT session_risk_score FROM session_bindings
		WHERE identity_anchor = $1
		ORDER BY last_activity DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, anchor, limit)
	if err != nil {
		return nil, fmt.Errorf("recent risk scores: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return nil, fmt.Errorf("scan risk score: %w", err)
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

func scanBinding(row *sql.Row) (*trust.SessionBinding, error) {
	var b trust.SessionBinding
	var unboundAt sql.NullTime
	var reason sql.NullString
	err := row.Scan(
		&b.SessionID, &b.IdentityAnchor, &b.Platform, &b.ClientFingerprint,
		&b.BoundAt, &b.LastActivity, &unboundAt, &reason,
		&b.Interactions, &b.Decisions, &b.EntitiesDiscovered,
		&b.SessionRiskScore, &b.SessionSuccessRate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trust.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session binding: %w", err)
	}
	if unboundAt.Valid {
		b.UnboundAt = &unboundAt.Time
	}
	b.UnbindReason = trust.UnbindReason(reason.String)
	return &b, nil
}

// PostgresProfiles persists experience profiles in PostgreSQL.
type PostgresProfiles struct {
	db *sql.DB
}

func NewPostgresProfiles(db *sql.DB) *PostgresProfiles {
	return &PostgresProfiles{db: db}
}

func (s *PostgresProfiles) Find(ctx context.Context, anchor string) (*trust.ExperienceProfile, error) {
	query := `
		SELECT identity_anchor, total_interactions, total_decisions, total_entities,
			current_trust_level, trust_score, expertise_domains, success_rate,
			risk_score, anomaly_count, oldest_interaction, newest_interaction,
			trust_last_calculated, created_at, updated_at
		FROM experience_profiles
		WHERE identity_anchor = $1
	`
	var p trust.ExperienceProfile
	var oldest, newest, calculated sql.NullTime
	err := s.db.QueryRowContext(ctx, query, anchor).Scan(
		&p.IdentityAnchor, &p.TotalInteractions, &p.TotalDecisions, &p.TotalEntities,
		&p.CurrentTrustLevel, &p.TrustScore, pq.Array(&p.ExpertiseDomains), &p.SuccessRate,
		&p.RiskScore, &p.AnomalyCount, &oldest, &newest,
		&calculated, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trust.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find experience profile: %w", err)
	}
	if oldest.Valid {
		p.OldestInteraction = oldest.Time
	}
	if newest.Valid {
		p.NewestInteraction = newest.Time
	}
	if calculated.Valid {
		p.TrustLastCalculated = calculated.Time
	}
	return &p, nil
}

func (s *PostgresProfiles) Save(ctx context.Context, p *trust.ExperienceProfile) error {
	query := `
		INSERT INTO experience_profiles (
			identity_anchor, total_interactions, total_decisions, total_entities,
			current_trust_level, trust_score, expertise_domains, success_rate,
			risk_score, anomaly_count, oldest_interaction, newest_interaction,
			trust_last_calculated, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (identity_anchor) DO UPDATE SET
			total_interactions = EXCLUDED.total_interactions,
			total_decisions = EXCLUDED.total_decisions,
			total_entities = EXCLUDED.total_entities,
			current_trust_level = EXCLUDED.current_trust_level,
			trust_score = EXCLUDED.trust_score,
			expertise_domains = EXCLUDED.expertise_domains,
			success_rate = EXCLUDED.success_rate,
			risk_score = EXCLUDED.risk_score,
			anomaly_count = EXCLUDED.anomaly_count,
			oldest_interaction = EXCLUDED.oldest_interaction,
			newest_interaction = EXCLUDED.newest_interaction,
			trust_last_calculated = EXCLUDED.trust_last_calculated,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.IdentityAnchor, p.TotalInteractions, p.TotalDecisions, p.TotalEntities,
		p.CurrentTrustLevel, p.TrustScore, pq.Array(p.ExpertiseDomains), p.SuccessRate,
		p.RiskScore, p.AnomalyCount, nullTime(p.OldestInteraction), nullTime(p.NewestInteraction),
		nullTime(p.TrustLastCalculated), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save experience profile: %w", err)
	}
	return nil
}

// PostgresEvolution persists the append-only trust evolution log.
type PostgresEvolution struct {
	db *sql.DB
}

func NewPostgresEvolution(db *sql.DB) *PostgresEvolution {
	return &PostgresEvolution{db: db}
}

func (s *PostgresEvolution) Append(ctx context.Context, r *trust.TrustEvolutionRecord) error {
	factors, err := json.Marshal(r.ChangeFactors)
	if err != nil {
		return fmt.Errorf("marshal change factors: %w", err)
	}
	query := `
		INSERT INTO trust_evolution (
			id, identity_anchor, previous_trust_level, new_trust_level,
			previous_trust_score, new_trust_score, change_trigger, change_factors, changed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.IdentityAnchor, r.PreviousTrustLevel, r.NewTrustLevel,
		r.PreviousTrustScore, r.NewTrustScore, string(r.ChangeTrigger), factors, r.ChangedAt,
	)
	if err != nil {
		return fmt.Errorf("append trust evolution: %w", err)
	}
	return nil
}

func (s *PostgresEvolution) ListByAnchor(ctx context.Context, anchor string, limit int) ([]trust.TrustEvolutionRecord, error) {
	query := `
		SELECT id, identity_anchor, previous_trust_level, new_trust_level,
			previous_trust_score, new_trust_score, change_trigger, change_factors, changed_at
		FROM trust_evolution
		WHERE identity_anchor = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, anchor, limit)
	if err != nil {
		return nil, fmt.Errorf("list trust evolution: %w", err)
	}
	defer rows.Close()

	var records []trust.TrustEvolutionRecord
	for rows.Next() {
		var r trust.TrustEvolutionRecord
		var trigger string
		var factors []byte
		if err := rows.Scan(
			&r.ID, &r.IdentityAnchor, &r.PreviousTrustLevel, &r.NewTrustLevel,
			&r.PreviousTrustScore, &r.NewTrustScore, &trigger, &factors, &r.ChangedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trust evolution: %w", err)
		}
		r.ChangeTrigger = trust.ChangeTrigger(trigger)
		if len(factors) > 0 {
			if err := json.Unmarshal(factors, &r.ChangeFactors); err != nil {
				return nil, fmt.Errorf("unmarshal change factors: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PostgresInteractions persists session interaction logs.
type PostgresInteractions struct {
	db *sql.DB
}

func NewPostgresInteractions(db *sql.DB) *PostgresInteractions {
	return &PostgresInteractions{db: db}
}

func (s *PostgresInteractions) Append(ctx context.Context, sessionID string, in trust.Interaction) error {
	entities, err := json.Marshal(in.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	query := `
		INSERT INTO session_interactions (session_id, kind, outcome, entities, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.db.ExecContext(ctx, query, sessionID, in.Kind, string(in.Outcome), entities, in.OccurredAt)
	if err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

// BySession returns a session's uncommitted interactions in recorded order.
func (s *PostgresInteractions) BySession(ctx context.Context, sessionID string) ([]trust.Interaction, error) {
	query := `
		SELECT kind, outcome, entities, occurred_at
		FROM session_interactions
		WHERE session_id = $1 AND committed_at IS NULL
		ORDER BY occurred_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// MarkCommitted tombstones a session's log so its experience is folded into
// the profile at most once. The rows stay visible to RecentEntities for cache
// warming.
func (s *PostgresInteractions) MarkCommitted(ctx context.Context, sessionID string) error {
	query := `
		UPDATE session_interactions SET committed_at = now()
		WHERE session_id = $1 AND committed_at IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("mark interactions committed: %w", err)
	}
	return nil
}

// RecentEntities returns entity references from the most recent interactions
// recorded for a session ID or any session bound to the given anchor.
func (s *PostgresInteractions) RecentEntities(ctx context.Context, id string, limit int) ([]trust.EntityRef, error) {
	query := `
		SELECT i.kind, i.outcome, i.entities, i.occurred_at
		FROM session_interactions i
		LEFT JOIN session_bindings b ON b.session_id = i.session_id
		WHERE i.session_id = $1 OR b.identity_anchor = $1
		ORDER BY i.occurred_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, id, limit)
	if err != nil {
		return nil, fmt.Errorf("recent interactions: %w", err)
	}
	defer rows.Close()

	interactions, err := scanInteractions(rows)
	if err != nil {
		return nil, err
	}
	var refs []trust.EntityRef
	for _, in := range interactions {
		refs = append(refs, in.Entities...)
	}
	return refs, nil
}

func scanInteractions(rows *sql.Rows) ([]trust.Interaction, error) {
	var out []trust.Interaction
	for rows.Next() {
		var in trust.Interaction
		var outcome string
		var entities []byte
		if err := rows.Scan(&in.Kind, &outcome, &entities, &in.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.Outcome = trust.Outcome(outcome)
		if len(entities) > 0 {
			if err := json.Unmarshal(entities, &in.Entities); err != nil {
				return nil, fmt.Errorf("unmarshal entities: %w", err)
			}
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
