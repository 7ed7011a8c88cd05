package handler

import (
	"errors"
	"net/http"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/mfa"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// MFAHandler exposes step-up challenges and device enrolment for the
// authenticated owner.
type MFAHandler struct {
	coord *mfa.Coordinator
}

// NewMFAHandler creates a new MFAHandler.
func NewMFAHandler(coord *mfa.Coordinator) *MFAHandler {
	return &MFAHandler{coord: coord}
}

type createChallengeRequest struct {
	Preferred *domain.DeviceType `json:"preferred,omitempty"`
}

// CreateChallenge handles POST /mfa/challenges.
func (h *MFAHandler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var input createChallengeRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &input); err != nil {
			respondBadBody(w)
			return
		}
	}

	sc := auth.SessionFromContext(r.Context())
	origin := auth.OriginFromRequest(r)
	info, err := h.coord.CreateChallenge(r.Context(), sc.OwnerID, input.Preferred, domain.ChallengeMetadata{
		IP:              origin.IP,
		ClientSignature: origin.ClientSignature,
		DeviceID:        r.Header.Get(auth.DeviceIDHeader),
		Purpose:         domain.PurposeStepUp,
	})
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, info)
}

type verifyRequest struct {
	Code string `json:"code"`
}

// VerifyChallenge handles POST /mfa/challenges/{id}/verify. Only the
// caller's own step-up challenges are accepted.
func (h *MFAHandler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var input verifyRequest
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}

	ownerID := auth.SessionFromContext(r.Context()).OwnerID
	res, err := h.coord.VerifyStepUp(r.Context(), ownerID, id, input.Code)
	if err != nil {
		RespondError(w, err)
		return
	}
	respondVerification(w, res)
}

// SetupDevice handles POST /mfa/devices.
func (h *MFAHandler) SetupDevice(w http.ResponseWriter, r *http.Request) {
	var input mfa.SetupInput
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}
	input.OwnerID = auth.SessionFromContext(r.Context()).OwnerID

	res, err := h.coord.SetupDevice(r.Context(), input)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, res)
}

// VerifySetup handles POST /mfa/devices/{id}/verify.
func (h *MFAHandler) VerifySetup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var input verifyRequest
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}

	res, err := h.coord.VerifySetup(r.Context(), auth.SessionFromContext(r.Context()).OwnerID, id, input.Code)
	if err != nil {
		RespondError(w, err)
		return
	}
	respondVerification(w, res)
}

// DisableDevice handles DELETE /mfa/devices/{id}.
func (h *MFAHandler) DisableDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := h.coord.DisableDevice(r.Context(), auth.SessionFromContext(r.Context()).OwnerID, id); err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusNoContent, nil)
}

// respondVerification writes a successful result as 200 and a failed one
// with the status of its error, keeping the remaining attempt count.
func respondVerification(w http.ResponseWriter, res domain.VerificationResult) {
	if res.Success {
		RespondJSON(w, http.StatusOK, res)
		return
	}
	var appErr *domain.AppError
	if !errors.As(res.Err(), &appErr) {
		RespondError(w, res.Err())
		return
	}
	RespondJSON(w, appErr.Status, map[string]interface{}{
		"code":      appErr.Code,
		"message":   appErr.Message,
		"failure":   res.Failure,
		"remaining": res.Remaining,
	})
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, domain.ErrValidation("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}
