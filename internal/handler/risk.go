package handler

import (
	"context"
	"net/http"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/device"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/risk"
	"github.com/google/uuid"
)

// AuditLogger records audit events. Implemented by *risk.Scorer.
type AuditLogger interface {
	LogEvent(ctx context.Context, eventType domain.EventType, outcome domain.Outcome, data interface{}, opts risk.LogOptions) uuid.UUID
}

// RiskHandler exposes event logging and device risk assessment.
type RiskHandler struct {
	audit    AuditLogger
	assessor *device.Assessor
}

// NewRiskHandler creates a new RiskHandler.
func NewRiskHandler(audit AuditLogger, assessor *device.Assessor) *RiskHandler {
	return &RiskHandler{audit: audit, assessor: assessor}
}

type logEventRequest struct {
	EventType      domain.EventType `json:"event_type"`
	Outcome        domain.Outcome   `json:"outcome"`
	Data           interface{}      `json:"data,omitempty"`
	ResourceRef    string           `json:"resource_ref,omitempty"`
	Action         string           `json:"action,omitempty"`
	ErrorDetail    string           `json:"error_detail,omitempty"`
	GeoAnomaly     bool             `json:"geo_anomaly,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// LogEvent handles POST /events. The write is asynchronous; the response
// carries the audit id assigned to it.
func (h *RiskHandler) LogEvent(w http.ResponseWriter, r *http.Request) {
	var input logEventRequest
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}
	if err := domain.ValidateEventType(input.EventType); err != nil {
		RespondError(w, domain.ErrValidation(err.Error()))
		return
	}
	if input.Outcome == "" {
		input.Outcome = domain.OutcomeSuccess
	}
	if err := domain.ValidateOutcome(input.Outcome); err != nil {
		RespondError(w, domain.ErrValidation(err.Error()))
		return
	}
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	sc := auth.SessionFromContext(r.Context())
	id := h.audit.LogEvent(r.Context(), input.EventType, input.Outcome, input.Data, risk.LogOptions{
		ActorID:        sc.OwnerID,
		SessionID:      &sc.SessionID,
		Origin:         auth.OriginFromRequest(r),
		ResourceRef:    input.ResourceRef,
		Action:         input.Action,
		ErrorDetail:    input.ErrorDetail,
		GeoAnomaly:     input.GeoAnomaly,
		IdempotencyKey: input.IdempotencyKey,
	})
	if id == uuid.Nil {
		RespondError(w, domain.ErrConflict("duplicate event: idempotency key already processed"))
		return
	}
	RespondJSON(w, http.StatusAccepted, map[string]uuid.UUID{"audit_id": id})
}

type assessRequest struct {
	Action    string                 `json:"action"`
	Signals   domain.ClientSignals   `json:"signals"`
	Behavior  domain.BehaviorSignals `json:"behavior"`
	ProxyHint bool                   `json:"proxy_hint,omitempty"`
	GeoRisk   float64                `json:"geo_risk,omitempty"`
}

// Assess handles POST /risk/assess for the caller's pending action.
func (h *RiskHandler) Assess(w http.ResponseWriter, r *http.Request) {
	var input assessRequest
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}
	if input.Action == "" {
		RespondError(w, domain.ErrValidation("action is required"))
		return
	}
	if input.GeoRisk < 0 || input.GeoRisk > 100 {
		RespondError(w, domain.ErrValidation("geo_risk must be within [0,100]"))
		return
	}

	origin := auth.OriginFromRequest(r)
	if input.Signals.UserAgent == "" {
		input.Signals.UserAgent = origin.ClientSignature
	}
	sc := auth.SessionFromContext(r.Context())
	ra := h.assessor.AssessRisk(r.Context(), sc.OwnerID, domain.AssessmentContext{
		Origin:    origin,
		Signals:   input.Signals,
		Behavior:  input.Behavior,
		ProxyHint: input.ProxyHint,
		GeoRisk:   input.GeoRisk,
	}, input.Action)
	RespondJSON(w, http.StatusOK, ra)
}
