package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeviceType is an MFA factor kind.
type DeviceType string

const (
	DeviceTOTP  DeviceType = "totp"
	DeviceSMS   DeviceType = "sms"
	DeviceEmail DeviceType = "email"
)

// IsOutOfBand reports whether codes for this type are delivered over a side channel.
func (t DeviceType) IsOutOfBand() bool {
	return t == DeviceSMS || t == DeviceEmail
}

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	return t == DeviceTOTP || t.IsOutOfBand()
}

// MFADevice is an enrolled second factor.
type MFADevice struct {
	ID               uuid.UUID  `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Type             DeviceType `json:"type"`
	Label            string     `json:"label"`
	Destination      string     `json:"destination,omitempty"`
	EncryptedSecret  string     `json:"-"`
	Verified         bool       `json:"verified"`
	Primary          bool       `json:"primary"`
	BackupCodeHashes []string   `json:"-"`
	UsageCount       int        `json:"usage_count"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ChallengePurpose distinguishes login step-up challenges from enrolment.
type ChallengePurpose string

const (
	PurposeLogin  ChallengePurpose = "login"
	PurposeStepUp ChallengePurpose = "step_up"
	PurposeSetup  ChallengePurpose = "setup"
)

// ChallengeMetadata records the context a challenge was issued in.
type ChallengeMetadata struct {
	IP              string           `json:"ip,omitempty"`
	ClientSignature string           `json:"client_signature,omitempty"`
	DeviceID        string           `json:"device_id,omitempty"`
	Purpose         ChallengePurpose `json:"purpose"`
}

// MFAChallenge is an ephemeral, time-boxed and attempt-limited challenge.
type MFAChallenge struct {
	ID                uuid.UUID         `json:"id"`
	OwnerID           string            `json:"owner_id"`
	DeviceID          uuid.UUID         `json:"device_id"`
	Type              DeviceType        `json:"type"`
	CodeHash          string            `json:"-"`
	ExpiresAt         time.Time         `json:"expires_at"`
	AttemptsRemaining int               `json:"attempts_remaining"`
	Metadata          ChallengeMetadata `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at"`
}

// ChallengeInfo is returned to callers when a challenge is issued.
type ChallengeInfo struct {
	ChallengeID       uuid.UUID  `json:"challenge_id"`
	Type              DeviceType `json:"type"`
	DeviceLabel       string     `json:"device_label"`
	MaskedDestination string     `json:"masked_destination,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	AttemptsRemaining int        `json:"attempts_remaining"`
}

// VerificationFailure explains a failed verification.
type VerificationFailure string

const (
	FailureNone        VerificationFailure = ""
	FailureNotFound    VerificationFailure = "not_found"
	FailureExpired     VerificationFailure = "expired"
	FailureExhausted   VerificationFailure = "exhausted"
	FailureInvalidCode VerificationFailure = "invalid_code"
)

// VerificationResult is the typed outcome of verifying a code.
type VerificationResult struct {
	Success        bool                `json:"success"`
	OwnerID        string              `json:"owner_id,omitempty"`
	DeviceID       uuid.UUID           `json:"device_id,omitempty"`
	DeviceLabel    string              `json:"device_label,omitempty"`
	UsedBackupCode bool                `json:"used_backup_code,omitempty"`
	Remaining      int                 `json:"remaining"`
	Failure        VerificationFailure `json:"failure,omitempty"`
	Metadata       ChallengeMetadata   `json:"-"`
}

// Err converts a failed result into the matching AppError.
func (r VerificationResult) Err() error {
	switch r.Failure {
	case FailureNone:
		return nil
	case FailureNotFound:
		return ErrNotFound("challenge", "")
	case FailureExpired:
		return ErrExpired("challenge")
	case FailureExhausted:
		return ErrExhausted("no verification attempts remaining, request a new challenge")
	default:
		return ErrUnauthorized("invalid verification code")
	}
}
