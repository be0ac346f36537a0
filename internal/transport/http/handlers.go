package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"foresight/internal/prediction"
	"foresight/internal/trust"
	trustservice "foresight/internal/trust/service"
	errs "foresight/pkg/errors"
	"foresight/pkg/requestcontext"
)

// Ledger is the trust surface the transport needs.
type Ledger interface {
	ResolveTrust(ctx context.Context, sessionID string, sctx trust.SessionContext) trustservice.TrustView
	Profile(ctx context.Context, anchor string) (*trust.ExperienceProfile, error)
	History(ctx context.Context, anchor string, limit int) ([]trust.TrustEvolutionRecord, error)
}

// Engine is the prediction surface the transport needs.
type Engine interface {
	Active(ctx context.Context, service string) ([]prediction.Prediction, error)
	Acknowledge(ctx context.Context, id uuid.UUID) error
	Resolve(ctx context.Context, id uuid.UUID) error
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type predictionResponse struct {
	ID                   string             `json:"id"`
	ServiceName          string             `json:"service_name"`
	Type                 string             `json:"prediction_type"`
	Confidence           float64            `json:"confidence"`
	TimeToFailureSeconds *int64             `json:"time_to_failure_seconds,omitempty"`
	Details              prediction.Details `json:"details"`
	CreatedAt            time.Time          `json:"created_at"`
	ExpiresAt            time.Time          `json:"expires_at"`
	AcknowledgedAt       *time.Time         `json:"acknowledged_at,omitempty"`
}

func toPredictionResponse(p prediction.Prediction) predictionResponse {
	return predictionResponse{
		ID:                   p.ID.String(),
		ServiceName:          p.ServiceName,
		Type:                 string(p.Type),
		Confidence:           p.Confidence,
		TimeToFailureSeconds: p.TimeToFailureSeconds,
		Details:              p.Details,
		CreatedAt:            p.CreatedAt,
		ExpiresAt:            p.ExpiresAt,
		AcknowledgedAt:       p.AcknowledgedAt,
	}
}

func (h *Handler) handleActivePredictions(w http.ResponseWriter, r *http.Request) {
	preds, err := h.engine.Active(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		h.logger.Error("list active predictions failed", "error", err)
		writeError(w, err)
		return
	}
	out := make([]predictionResponse, 0, len(preds))
	for _, p := range preds {
		out = append(out, toPredictionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": out})
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.transitionPrediction(w, r, "acknowledged", h.engine.Acknowledge)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	h.transitionPrediction(w, r, "resolved", h.engine.Resolve)
}

func (h *Handler) transitionPrediction(w http.ResponseWriter, r *http.Request, state string, fn func(context.Context, uuid.UUID) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errs.New(errs.CodeBadRequest, "invalid prediction id"))
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": state})
}

type resolveRequest struct {
	SessionID         string `json:"session_id"`
	UserID            string `json:"user_id"`
	Platform          string `json:"platform"`
	ClientFingerprint string `json:"client_fingerprint"`
	NetworkOrigin     string `json:"network_origin"`
}

type trustResponse struct {
	IdentityAnchor string  `json:"identity_anchor"`
	TrustLevel     int     `json:"trust_level"`
	TrustScore     float64 `json:"trust_score"`
}

// handleResolveTrust resolves a session to its anchor and current trust.
// Resolution failures fail closed inside the ledger, so this endpoint always
// answers 200 with a trust view.
func (h *Handler) handleResolveTrust(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.CodeBadRequest, "invalid request body"))
		return
	}
	if req.SessionID == "" {
		writeError(w, errs.New(errs.CodeBadRequest, "session_id is required"))
		return
	}
	sctx := trust.SessionContext{
		UserID:            req.UserID,
		Platform:          req.Platform,
		ClientFingerprint: req.ClientFingerprint,
		NetworkOrigin:     req.NetworkOrigin,
		UserAgent:         requestcontext.UserAgent(r.Context()),
	}
	if sctx.NetworkOrigin == "" {
		sctx.NetworkOrigin = requestcontext.ClientIP(r.Context())
	}
	view := h.ledger.ResolveTrust(r.Context(), req.SessionID, sctx)
	writeJSON(w, http.StatusOK, trustResponse{
		IdentityAnchor: view.Anchor,
		TrustLevel:     view.Level,
		TrustScore:     view.Score,
	})
}

type profileResponse struct {
	IdentityAnchor    string   `json:"identity_anchor"`
	TrustLevel        int      `json:"trust_level"`
	TrustScore        float64  `json:"trust_score"`
	TotalInteractions int64    `json:"total_interactions"`
	TotalDecisions    int64    `json:"total_decisions"`
	TotalEntities     int64    `json:"total_entities"`
	SuccessRate       float64  `json:"success_rate"`
	RiskScore         float64  `json:"risk_score"`
	AnomalyCount      int      `json:"anomaly_count"`
	ExpertiseDomains  []string `json:"expertise_domains,omitempty"`
}

func (h *Handler) handleTrustProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.ledger.Profile(r.Context(), chi.URLParam(r, "anchor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		IdentityAnchor:    profile.IdentityAnchor,
		TrustLevel:        profile.CurrentTrustLevel,
		TrustScore:        profile.TrustScore,
		TotalInteractions: profile.TotalInteractions,
		TotalDecisions:    profile.TotalDecisions,
		TotalEntities:     profile.TotalEntities,
		SuccessRate:       profile.SuccessRate,
		RiskScore:         profile.RiskScore,
		AnomalyCount:      profile.AnomalyCount,
		ExpertiseDomains:  profile.ExpertiseDomains,
	})
}

type evolutionResponse struct {
	ID                 string              `json:"id"`
	PreviousTrustLevel int                 `json:"previous_trust_level"`
	NewTrustLevel      int                 `json:"new_trust_level"`
	PreviousTrustScore float64             `json:"previous_trust_score"`
	NewTrustScore      float64             `json:"new_trust_score"`
	ChangeTrigger      string              `json:"change_trigger"`
	ChangeFactors      trust.ChangeFactors `json:"change_factors"`
	ChangedAt          time.Time           `json:"changed_at"`
}

func (h *Handler) handleTrustHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, errs.New(errs.CodeBadRequest, "invalid limit"))
			return
		}
		limit = parsed
	}
	records, err := h.ledger.History(r.Context(), chi.URLParam(r, "anchor"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]evolutionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, evolutionResponse{
			ID:                 rec.ID,
			PreviousTrustLevel: rec.PreviousTrustLevel,
			NewTrustLevel:      rec.NewTrustLevel,
			PreviousTrustScore: rec.PreviousTrustScore,
			NewTrustScore:      rec.NewTrustScore,
			ChangeTrigger:      string(rec.ChangeTrigger),
			ChangeFactors:      rec.ChangeFactors,
			ChangedAt:          rec.ChangedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}
