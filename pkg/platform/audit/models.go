// Package audit defines the trust-evolution audit event and the sinks it can
// fan out to. Events are emitted from domain logic and kept
// transport-agnostic so stores and publishers can be swapped.
package audit

import (
	"context"
	"time"
)

// Action names for trust audit events.
const (
	ActionTrustScoreChanged = "trust_score_changed"
	ActionAnomalyRecorded   = "anomaly_recorded"
	ActionAdminOverride     = "admin_override"
)

// Event captures one trust-relevant transition for an identity anchor.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	IdentityAnchor string    `json:"identity_anchor"`
	Action         string    `json:"action"`
	Trigger        string    `json:"trigger"`
	PreviousLevel  int       `json:"previous_level"`
	NewLevel       int       `json:"new_level"`
	PreviousScore  float64   `json:"previous_score"`
	NewScore       float64   `json:"new_score"`
	// RequestID correlates the event with the invocation that produced it.
	RequestID string `json:"request_id,omitempty"`
}

// Publisher emits audit events to an external stream.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
