// Package trust holds the domain model for the trust ledger: session
// bindings, experience profiles, and the append-only trust evolution log.
package trust

import (
	"time"

	errs "foresight/pkg/errors"
)

// ErrNotFound keeps trust-store 404s consistent across the in-memory and
// Postgres implementations.
var ErrNotFound = errs.New(errs.CodeNotFound, "record not found")

// ErrSessionClosed rejects resolution of a session ID whose binding was
// already unbound. A session binds and unbinds exactly once.
var ErrSessionClosed = errs.New(errs.CodeConflict, "session already closed")

// UnbindReason is the closed set of reasons a session binding may be closed.
type UnbindReason string

const (
	UnbindSessionComplete UnbindReason = "session_complete"
	UnbindExpired         UnbindReason = "expired"
	UnbindRevoked         UnbindReason = "revoked"
)

// ChangeTrigger identifies what caused a trust recalculation.
type ChangeTrigger string

const (
	TriggerSessionComplete ChangeTrigger = "session_complete"
	TriggerAnomalyDetected ChangeTrigger = "anomaly_detected"
	TriggerAdminOverride   ChangeTrigger = "admin_override"
)

// Outcome is the explicit result classification of an interaction. Legacy
// loosely-shaped records are mapped onto it at the ingestion boundary, see
// OutcomeFromLegacy.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// OutcomeFromLegacy maps the loose interaction shapes produced by older
// clients (optional success/result/completed fields) onto an explicit
// Outcome. Any of success:true, result:"success", or completed:true counts
// as a success; an explicit success:false or result:"failure" counts as a
// failure; everything else is unknown.
func OutcomeFromLegacy(fields map[string]any) Outcome {
	if b, ok := fields["success"].(bool); ok {
		if b {
			return OutcomeSuccess
		}
		return OutcomeFailure
	}
	if s, ok := fields["result"].(string); ok {
		switch s {
		case "success":
			return OutcomeSuccess
		case "failure", "error":
			return OutcomeFailure
		}
	}
	if b, ok := fields["completed"].(bool); ok && b {
		return OutcomeSuccess
	}
	return OutcomeUnknown
}

// EntityRef identifies an entity touched during a session.
type EntityRef struct {
	Type string
	ID   string
}

// Key returns the canonical "type:id" form used for deduplication and cache
// keys.
func (e EntityRef) Key() string {
	return e.Type + ":" + e.ID
}

// InteractionKindDecision marks interactions that count toward the decisions
// total.
const InteractionKindDecision = "decision"

// Interaction is a single recorded unit of session activity.
type Interaction struct {
	Kind       string
	Outcome    Outcome
	Entities   []EntityRef
	OccurredAt time.Time
}

// IsDecision reports whether the interaction counts as a decision.
func (i Interaction) IsDecision() bool {
	return i.Kind == InteractionKindDecision
}

// SessionBinding links an ephemeral session ID to a durable identity anchor.
// At most one active (UnboundAt == nil) binding exists per session ID, and a
// session unbinds exactly once.
type SessionBinding struct {
	SessionID          string
	IdentityAnchor     string
	Platform           string
	ClientFingerprint  string
	BoundAt            time.Time
	LastActivity       time.Time
	UnboundAt          *time.Time
	UnbindReason       UnbindReason
	Interactions       int
	Decisions          int
	EntitiesDiscovered int
	SessionRiskScore   float64
	SessionSuccessRate float64
}

// Active reports whether the binding is still open.
func (b *SessionBinding) Active() bool {
	return b.UnboundAt == nil
}

// Trust level bounds and the defaults assigned before any experience is
// recorded.
const (
	LevelRestricted   = 0
	LevelLimited      = 1
	LevelProbationary = 2
	LevelStandard     = 3
	LevelEstablished  = 4
	LevelExemplary    = 5

	DefaultTrustLevel = LevelStandard
	DefaultTrustScore = 50.0
)

// ExperienceProfile is the accumulated behavioral record for one identity
// anchor. Profiles are created lazily on first binding resolution and never
// physically deleted.
type ExperienceProfile struct {
	IdentityAnchor      string
	TotalInteractions   int64
	TotalDecisions      int64
	TotalEntities       int64
	CurrentTrustLevel   int
	TrustScore          float64
	ExpertiseDomains    []string
	SuccessRate         float64
	RiskScore           float64
	AnomalyCount        int
	OldestInteraction   time.Time
	NewestInteraction   time.Time
	TrustLastCalculated time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewProfile returns the default profile for a freshly-resolved anchor:
// standard trust until behavior says otherwise.
func NewProfile(anchor string, now time.Time) *ExperienceProfile {
	return &ExperienceProfile{
		IdentityAnchor:    anchor,
		CurrentTrustLevel: DefaultTrustLevel,
		TrustScore:        DefaultTrustScore,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Factor is one sub-score of a trust calculation together with its weight and
// weighted contribution to the final score.
type Factor struct {
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// ChangeFactors is the full breakdown recorded with every trust evolution so
// score transitions stay auditable.
type ChangeFactors struct {
	Volume         Factor `json:"volume"`
	Success        Factor `json:"success"`
	AnomalyPenalty Factor `json:"anomaly_penalty"`
	SessionQuality Factor `json:"session_quality"`
	Recency        Factor `json:"recency"`
}

// TrustEvolutionRecord is an immutable audit row appended whenever a
// recalculation changes the stored level or score.
type TrustEvolutionRecord struct {
	ID                 string
	IdentityAnchor     string
	PreviousTrustLevel int
	NewTrustLevel      int
	PreviousTrustScore float64
	NewTrustScore      float64
	ChangeTrigger      ChangeTrigger
	ChangeFactors      ChangeFactors
	ChangedAt          time.Time
}
