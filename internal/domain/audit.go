package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a security-relevant event recorded in the audit log.
type EventType string

const (
	EventSignIn              EventType = "auth.signin"
	EventSignUp              EventType = "auth.signup"
	EventPasswordChange      EventType = "auth.password_change"
	EventMFADisable          EventType = "auth.mfa_disable"
	EventPrivilegeEscalation EventType = "auth.privilege_escalation"
	EventBulkDataAccess      EventType = "data.bulk_access"

	EventSessionCreated   EventType = "session.created"
	EventSessionRefreshed EventType = "session.refreshed"
	EventSessionRevoked   EventType = "session.revoked"
	EventSessionSuspect   EventType = "session.suspicious_activity"

	EventMFAChallengeCreated  EventType = "mfa.challenge.created"
	EventMFAChallengeVerified EventType = "mfa.challenge.verified"
	EventMFAChallengeFailed   EventType = "mfa.challenge.failed"
	EventMFASetupStarted      EventType = "mfa.setup.started"
	EventMFASetupVerified     EventType = "mfa.setup.verified"

	EventLoginDenied EventType = "auth.login_denied"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// Origin identifies where a request came from.
type Origin struct {
	IP              string `json:"ip"`
	ClientSignature string `json:"client_signature"`
}

// AuditRecord is an append-only audit log entry.
type AuditRecord struct {
	ID           uuid.UUID       `json:"id"`
	EventType    EventType       `json:"event_type"`
	ActorID      string          `json:"actor_id,omitempty"`
	SessionID    *uuid.UUID      `json:"session_id,omitempty"`
	Origin       Origin          `json:"origin"`
	ResourceRef  string          `json:"resource_ref,omitempty"`
	Action       string          `json:"action,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	RiskScore    int             `json:"risk_score"`
	AnomalyFlags []string        `json:"anomaly_flags,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Severity grades an escalated security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForScore maps a risk score onto a severity band.
func SeverityForScore(score int) Severity {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 60:
		return SeverityHigh
	case score >= 30:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SecurityEvent is the escalation of a high-risk audit record.
type SecurityEvent struct {
	ID          uuid.UUID `json:"id"`
	AuditID     uuid.UUID `json:"audit_id"`
	ActorID     string    `json:"actor_id,omitempty"`
	EventType   EventType `json:"event_type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	RiskScore   int       `json:"risk_score"`
	Flags       []string  `json:"flags,omitempty"`
	Origin      Origin    `json:"origin"`
	CreatedAt   time.Time `json:"created_at"`
}
