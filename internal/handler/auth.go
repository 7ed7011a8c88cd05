package handler

import (
	"net/http"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/service"
	"github.com/google/uuid"
)

// AuthHandler handles registration and login endpoints.
type AuthHandler struct {
	authSvc *service.AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authSvc *service.AuthService) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

// clientFrom fills the request-derived parts of a client description.
func clientFrom(r *http.Request, c service.Client) service.Client {
	c.Origin = auth.OriginFromRequest(r)
	if c.DeviceID == "" {
		c.DeviceID = r.Header.Get(auth.DeviceIDHeader)
	}
	if c.Signals.UserAgent == "" {
		c.Signals.UserAgent = c.Origin.ClientSignature
	}
	return c
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input service.RegisterInput
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}
	input.Client = clientFrom(r, input.Client)

	result, err := h.authSvc.Register(r.Context(), input)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, result)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input service.LoginInput
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}
	input.Client = clientFrom(r, input.Client)

	result, err := h.authSvc.Login(r.Context(), input)
	if err != nil {
		RespondError(w, err)
		return
	}

	status := http.StatusOK
	if result.Status == service.LoginMFARequired {
		status = http.StatusAccepted
	}
	RespondJSON(w, status, result)
}

type loginMFARequest struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	Code        string    `json:"code"`
	service.Client
}

// LoginMFA handles POST /auth/login/mfa.
func (h *AuthHandler) LoginMFA(w http.ResponseWriter, r *http.Request) {
	var input loginMFARequest
	if err := DecodeJSON(r, &input); err != nil || input.ChallengeID == uuid.Nil {
		respondBadBody(w)
		return
	}

	result, err := h.authSvc.CompleteMFALogin(r.Context(), input.ChallengeID, input.Code, clientFrom(r, input.Client))
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}
