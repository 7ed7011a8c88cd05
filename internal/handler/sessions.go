package handler

import (
	"net/http"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/risk"
	"github.com/attaboy/authrisk/internal/session"
	"github.com/go-chi/chi/v5"
)

// SessionHandler exposes the session lifecycle over HTTP.
type SessionHandler struct {
	sessions *session.Manager
	hub      *infra.WSHub
	audit    AuditLogger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *session.Manager, hub *infra.WSHub, audit AuditLogger) *SessionHandler {
	return &SessionHandler{sessions: sessions, hub: hub, audit: audit}
}

type validateRequest struct {
	Token                string `json:"token"`
	RequireActivityCheck bool   `json:"require_activity_check"`
}

// Validate handles POST /sessions/validate. An invalid session is reported
// in the body with 200; only store failures are errors.
func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var input validateRequest
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}
	if input.Token == "" {
		if handle, err := auth.BearerToken(r); err == nil {
			input.Token = handle
		}
	}
	if input.Token == "" {
		RespondError(w, domain.ErrValidation("token is required"))
		return
	}

	res, err := h.sessions.Validate(r.Context(), input.Token, auth.ValidateOptionsFromRequest(r, input.RequireActivityCheck))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /sessions/refresh.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var input refreshRequest
	if err := DecodeJSON(r, &input); err != nil || input.RefreshToken == "" {
		respondBadBody(w)
		return
	}

	res, err := h.sessions.Refresh(r.Context(), input.RefreshToken, auth.ValidateOptionsFromRequest(r, false))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

// SignOut handles POST /sessions/signout for the bearer session.
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.SignOut(r.Context(), auth.HandleFromContext(r.Context()), domain.RevokeSignOut); err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusNoContent, nil)
}

// Warnings handles GET /sessions/warnings: a websocket stream of the
// caller's session warnings.
func (h *SessionHandler) Warnings(w http.ResponseWriter, r *http.Request) {
	sc := auth.SessionFromContext(r.Context())
	h.hub.Serve(r.Context(), w, r, sc.OwnerID)
}

type revokeAllRequest struct {
	Reason string `json:"reason"`
}

// RevokeAll handles POST /admin/owners/{id}/sessions/revoke.
func (h *SessionHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "id")
	var input revokeAllRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &input); err != nil {
			respondBadBody(w)
			return
		}
	}

	n, err := h.sessions.RevokeAll(r.Context(), ownerID, input.Reason)
	if err != nil {
		RespondError(w, err)
		return
	}

	admin := auth.SessionFromContext(r.Context())
	h.audit.LogEvent(r.Context(), domain.EventSessionRevoked, domain.OutcomeSuccess,
		map[string]interface{}{"owner_id": ownerID, "revoked": n},
		risk.LogOptions{
			ActorID:     admin.OwnerID,
			SessionID:   &admin.SessionID,
			Origin:      auth.OriginFromRequest(r),
			ResourceRef: "owner:" + ownerID,
			Action:      "admin_revoke_sessions",
		})
	RespondJSON(w, http.StatusOK, map[string]int{"revoked": n})
}
