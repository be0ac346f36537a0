// Package postgres holds the relational schema. Every statement is idempotent
// so applying the schema at boot is safe against an already-migrated database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

const Schema = `
CREATE TABLE IF NOT EXISTS session_bindings (
	session_id           TEXT PRIMARY KEY,
	identity_anchor      TEXT NOT NULL,
	platform             TEXT NOT NULL DEFAULT '',
	client_fingerprint   TEXT NOT NULL DEFAULT '',
	bound_at             TIMESTAMPTZ NOT NULL,
	last_activity        TIMESTAMPTZ NOT NULL,
	unbound_at           TIMESTAMPTZ,
	unbind_reason        TEXT,
	interactions_count   BIGINT NOT NULL DEFAULT 0,
	decisions_count      BIGINT NOT NULL DEFAULT 0,
	entities_discovered  BIGINT NOT NULL DEFAULT 0,
	session_risk_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	session_success_rate DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_bindings_anchor
	ON session_bindings (identity_anchor, last_activity DESC);
CREATE INDEX IF NOT EXISTS idx_session_bindings_fingerprint
	ON session_bindings (client_fingerprint, bound_at DESC);

CREATE TABLE IF NOT EXISTS experience_profiles (
	identity_anchor       TEXT PRIMARY KEY,
	total_interactions    BIGINT NOT NULL DEFAULT 0,
	total_decisions       BIGINT NOT NULL DEFAULT 0,
	total_entities        BIGINT NOT NULL DEFAULT 0,
	current_trust_level   INT NOT NULL,
	trust_score           DOUBLE PRECISION NOT NULL,
	expertise_domains     TEXT[] NOT NULL DEFAULT '{}',
	success_rate          DOUBLE PRECISION NOT NULL DEFAULT 0,
	risk_score            DOUBLE PRECISION NOT NULL DEFAULT 0,
	anomaly_count         INT NOT NULL DEFAULT 0,
	oldest_interaction    TIMESTAMPTZ,
	newest_interaction    TIMESTAMPTZ,
	trust_last_calculated TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_evolution (
	id                   TEXT PRIMARY KEY,
	identity_anchor      TEXT NOT NULL,
	previous_trust_level INT NOT NULL,
	new_trust_level      INT NOT NULL,
	previous_trust_score DOUBLE PRECISION NOT NULL,
	new_trust_score      DOUBLE PRECISION NOT NULL,
	change_trigger       TEXT NOT NULL,
	change_factors       JSONB NOT NULL DEFAULT '{}',
	changed_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trust_evolution_anchor
	ON trust_evolution (identity_anchor, changed_at DESC);

CREATE TABLE IF NOT EXISTS session_interactions (
	id           BIGSERIAL PRIMARY KEY,
	session_id   TEXT NOT NULL,
	kind         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	entities     JSONB NOT NULL DEFAULT '[]',
	occurred_at  TIMESTAMPTZ NOT NULL,
	committed_at TIMESTAMPTZ
);
ALTER TABLE session_interactions ADD COLUMN IF NOT EXISTS committed_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS idx_session_interactions_session
	ON session_interactions (session_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS predictions (
	id                      UUID PRIMARY KEY,
	service_name            TEXT NOT NULL,
	prediction_type         TEXT NOT NULL,
	confidence              DOUBLE PRECISION NOT NULL,
	time_to_failure_seconds BIGINT,
	details                 JSONB NOT NULL DEFAULT '{}',
	created_at              TIMESTAMPTZ NOT NULL,
	expires_at              TIMESTAMPTZ NOT NULL,
	acknowledged_at         TIMESTAMPTZ,
	resolved_at             TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_predictions_active
	ON predictions (expires_at) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_predictions_service
	ON predictions (service_name, created_at DESC);

CREATE TABLE IF NOT EXISTS service_health (
	id           BIGSERIAL PRIMARY KEY,
	service_name TEXT NOT NULL,
	status       TEXT NOT NULL,
	error_rate   DOUBLE PRECISION NOT NULL,
	latency_ms   DOUBLE PRECISION NOT NULL,
	observed_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_service_health_service
	ON service_health (service_name, observed_at DESC);

CREATE TABLE IF NOT EXISTS dependency_edges (
	service_name    TEXT NOT NULL,
	depends_on      TEXT NOT NULL,
	dependency_type TEXT NOT NULL,
	weight          DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (service_name, depends_on)
);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
