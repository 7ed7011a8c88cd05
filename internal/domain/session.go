package domain

import (
	"time"

	"github.com/google/uuid"
)

// Binding is the origin tuple a session is bound to at creation.
type Binding struct {
	IP              string `json:"ip"`
	ClientSignature string `json:"client_signature"`
	DeviceID        string `json:"device_id,omitempty"`
}

// Session is a server-side authenticated session. Token material is held
// as SHA-256 hashes only.
type Session struct {
	ID               uuid.UUID  `json:"id"`
	OwnerID          string     `json:"owner_id"`
	AccessTokenHash  string     `json:"-"`
	RefreshTokenHash string     `json:"-"`
	Binding          Binding    `json:"binding"`
	MFAVerified      bool       `json:"mfa_verified"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokeReason     string     `json:"revoke_reason,omitempty"`
}

// IsRevoked reports whether the session carries a revocation.
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// SessionState is the lifecycle state of a session at a point in time.
type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionActive  SessionState = "active"
	SessionWarned  SessionState = "warned"
	SessionExpired SessionState = "expired"
	SessionRevoked SessionState = "revoked"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionExpired || s == SessionRevoked
}

// Revocation reasons.
const (
	RevokeSignOut         = "sign_out"
	RevokeOriginMismatch  = "origin_mismatch"
	RevokeAdministrative  = "administrative"
	RevokeConcurrentLimit = "concurrent_limit"
)

// ValidationReason explains why a session failed validation.
type ValidationReason string

const (
	ReasonNone           ValidationReason = ""
	ReasonNotFound       ValidationReason = "not_found"
	ReasonExpired        ValidationReason = "expired"
	ReasonRevoked        ValidationReason = "revoked"
	ReasonOriginMismatch ValidationReason = "origin_mismatch"
	ReasonNotRefreshable ValidationReason = "not_refreshable"
)

// ValidateOptions describe the request presenting a session handle.
type ValidateOptions struct {
	IP                   string `json:"ip,omitempty"`
	ClientSignature      string `json:"client_signature,omitempty"`
	DeviceID             string `json:"device_id,omitempty"`
	RequireActivityCheck bool   `json:"require_activity_check,omitempty"`
}

// SessionContext is what callers learn about a valid session.
type SessionContext struct {
	SessionID      uuid.UUID    `json:"session_id"`
	OwnerID        string       `json:"owner_id"`
	Binding        Binding      `json:"binding"`
	MFAVerified    bool         `json:"mfa_verified"`
	State          SessionState `json:"state"`
	ExpiresAt      time.Time    `json:"expires_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	// Token and RefreshToken are only populated on creation.
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// NewSessionContext projects a stored session into a SessionContext.
func NewSessionContext(s *Session, state SessionState) *SessionContext {
	return &SessionContext{
		SessionID:      s.ID,
		OwnerID:        s.OwnerID,
		Binding:        s.Binding,
		MFAVerified:    s.MFAVerified,
		State:          state,
		ExpiresAt:      s.ExpiresAt,
		LastActivityAt: s.LastActivityAt,
	}
}

// ValidationResult is the typed outcome of validating or refreshing a session.
type ValidationResult struct {
	Valid   bool             `json:"valid"`
	Session *SessionContext  `json:"session,omitempty"`
	Reason  ValidationReason `json:"reason,omitempty"`
}

// Invalid builds a failed ValidationResult.
func Invalid(reason ValidationReason) ValidationResult {
	return ValidationResult{Valid: false, Reason: reason}
}

// WarningKind classifies a session warning.
type WarningKind string

const (
	WarningExpiringSoon       WarningKind = "expiring_soon"
	WarningSuspiciousActivity WarningKind = "suspicious_activity"
	WarningConcurrentSessions WarningKind = "concurrent_sessions"
	WarningLocationChange     WarningKind = "location_change"
)

// Warning is emitted to observers when a session needs attention.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	SessionID uuid.UUID   `json:"session_id"`
	OwnerID   string      `json:"owner_id"`
	Message   string      `json:"message"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
	At        time.Time   `json:"at"`
}
