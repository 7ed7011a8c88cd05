// Package mfa issues and verifies second-factor challenges and manages
// device enrolment.
package mfa

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/guard"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/metrics"
	"github.com/attaboy/authrisk/internal/notify"
	"github.com/attaboy/authrisk/internal/repository"
	"github.com/attaboy/authrisk/internal/risk"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Config holds the challenge rules.
type Config struct {
	ChallengeTTL      time.Duration
	ChallengeAttempts int
	Issuer            string
	StoreTimeout      time.Duration
	StoreRetries      int
	BcryptCost        int
}

// DefaultConfig returns the stock challenge rules.
func DefaultConfig() Config {
	return Config{
		ChallengeTTL:      5 * time.Minute,
		ChallengeAttempts: 3,
		Issuer:            "authrisk",
		StoreTimeout:      2 * time.Second,
		StoreRetries:      3,
		BcryptCost:        bcrypt.DefaultCost,
	}
}

// AuditLogger records MFA events. Implemented by *risk.Scorer.
type AuditLogger interface {
	LogEvent(ctx context.Context, eventType domain.EventType, outcome domain.Outcome, data interface{}, opts risk.LogOptions) uuid.UUID
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Devices    repository.MFADeviceRepository
	Challenges repository.ChallengeRepository
	Owners     repository.OwnerRepository
	Dispatcher notify.Dispatcher
	Sealer     *Sealer
	CodeKey    []byte
	Limiter    *guard.RateLimiter
	Audit      AuditLogger
}

// Coordinator runs the challenge and enrolment flows.
type Coordinator struct {
	devices    repository.MFADeviceRepository
	challenges repository.ChallengeRepository
	owners     repository.OwnerRepository
	dispatcher notify.Dispatcher
	sealer     *Sealer
	codeKey    []byte
	limiter    *guard.RateLimiter
	audit      AuditLogger
	cfg        Config
	logger     *slog.Logger
	Now        func() time.Time
}

// NewCoordinator creates a Coordinator. A nil Limiter disables rate limiting.
func NewCoordinator(d Deps, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Coordinator{
		devices:    d.Devices,
		challenges: d.Challenges,
		owners:     d.Owners,
		dispatcher: d.Dispatcher,
		sealer:     d.Sealer,
		codeKey:    d.CodeKey,
		limiter:    d.Limiter,
		audit:      d.Audit,
		cfg:        cfg,
		logger:     logger,
		Now:        time.Now,
	}
}

// SetupInput describes a device to enrol.
type SetupInput struct {
	OwnerID     string            `json:"owner_id"`
	Type        domain.DeviceType `json:"type"`
	Label       string            `json:"label"`
	Destination string            `json:"destination,omitempty"`
}

// SetupResult is returned once at enrolment. Secret and backup codes are
// never retrievable again.
type SetupResult struct {
	DeviceID        uuid.UUID         `json:"device_id"`
	Type            domain.DeviceType `json:"type"`
	Secret          string            `json:"secret,omitempty"`
	ProvisioningURI string            `json:"provisioning_uri,omitempty"`
	BackupCodes     []string          `json:"backup_codes"`
	CodeExpiresAt   *time.Time        `json:"code_expires_at,omitempty"`
}

// CreateChallenge issues a challenge against one of the owner's verified
// devices. preferred selects a device type when the owner has one.
func (c *Coordinator) CreateChallenge(ctx context.Context, ownerID string, preferred *domain.DeviceType, meta domain.ChallengeMetadata) (*domain.ChallengeInfo, error) {
	if ownerID == "" {
		return nil, domain.ErrValidation("owner id is required")
	}
	if c.limiter != nil {
		if res := c.limiter.Check(ctx, "mfa:"+ownerID); !res.Allowed {
			return nil, domain.ErrRateLimited(res.Reason)
		}
	}

	devices, err := infra.RetryRead(ctx, c.cfg.StoreRetries, c.cfg.StoreTimeout,
		func(ctx context.Context) ([]domain.MFADevice, error) { return c.devices.ListByOwner(ctx, ownerID) })
	if err != nil {
		return nil, err
	}
	device := pickDevice(devices, preferred)
	if device == nil {
		return nil, domain.ErrNotFound("verified mfa device for owner", ownerID)
	}

	if meta.Purpose == "" {
		meta.Purpose = domain.PurposeLogin
	}
	ch, err := c.issue(ctx, uuid.New(), device, meta)
	if err != nil {
		return nil, err
	}

	c.audit.LogEvent(ctx, domain.EventMFAChallengeCreated, domain.OutcomeSuccess,
		map[string]string{"device_type": string(device.Type), "purpose": string(meta.Purpose)},
		risk.LogOptions{ActorID: ownerID, Origin: domain.Origin{IP: meta.IP, ClientSignature: meta.ClientSignature}, ResourceRef: "mfa_challenge:" + ch.ID.String()})

	return &domain.ChallengeInfo{
		ChallengeID:       ch.ID,
		Type:              device.Type,
		DeviceLabel:       device.Label,
		MaskedDestination: notify.Mask(device.Destination),
		ExpiresAt:         ch.ExpiresAt,
		AttemptsRemaining: ch.AttemptsRemaining,
	}, nil
}

// VerifyChallenge checks a code for a login challenge. Step-up and
// enrolment challenges are reported as not found. The outcome is reported
// in the result; the error is non-nil only for infrastructure failures.
func (c *Coordinator) VerifyChallenge(ctx context.Context, challengeID uuid.UUID, code string) (domain.VerificationResult, error) {
	return c.verifyChallenge(ctx, challengeID, code, func(ch *domain.MFAChallenge) bool {
		return ch.Metadata.Purpose == domain.PurposeLogin
	})
}

// VerifyStepUp checks a code for one of ownerID's step-up challenges. Any
// other challenge is reported as not found and keeps its attempts.
func (c *Coordinator) VerifyStepUp(ctx context.Context, ownerID string, challengeID uuid.UUID, code string) (domain.VerificationResult, error) {
	return c.verifyChallenge(ctx, challengeID, code, func(ch *domain.MFAChallenge) bool {
		return ch.Metadata.Purpose == domain.PurposeStepUp && ch.OwnerID == ownerID
	})
}

func (c *Coordinator) verifyChallenge(ctx context.Context, challengeID uuid.UUID, code string, match func(*domain.MFAChallenge) bool) (domain.VerificationResult, error) {
	res, device, err := c.verify(ctx, challengeID, code, match)
	if err != nil {
		return domain.VerificationResult{}, err
	}

	opts := risk.LogOptions{ActorID: res.OwnerID, Origin: domain.Origin{IP: res.Metadata.IP, ClientSignature: res.Metadata.ClientSignature}, ResourceRef: "mfa_challenge:" + challengeID.String()}
	if !res.Success {
		metrics.MFAVerificationsTotal.WithLabelValues(string(res.Failure)).Inc()
		if res.Failure != domain.FailureNotFound {
			c.audit.LogEvent(ctx, domain.EventMFAChallengeFailed, domain.OutcomeFailure,
				map[string]interface{}{"failure": res.Failure, "remaining": res.Remaining}, opts)
		}
		return res, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.devices.RecordUse(storeCtx, device.ID, c.Now().UTC()); err != nil {
		c.logger.Warn("record device use failed", "device_id", device.ID, "error", err)
	}
	metrics.MFAVerificationsTotal.WithLabelValues("success").Inc()
	c.audit.LogEvent(ctx, domain.EventMFAChallengeVerified, domain.OutcomeSuccess,
		map[string]interface{}{"device_type": device.Type, "backup_code": res.UsedBackupCode}, opts)
	return res, nil
}

// SetupDevice enrols an unverified device. Out-of-band devices are sent a
// setup code at once.
func (c *Coordinator) SetupDevice(ctx context.Context, in SetupInput) (*SetupResult, error) {
	if in.OwnerID == "" {
		return nil, domain.ErrValidation("owner id is required")
	}
	if !in.Type.Valid() {
		return nil, domain.ErrValidation(fmt.Sprintf("unsupported device type %q", in.Type))
	}
	switch in.Type {
	case domain.DeviceSMS:
		if err := domain.ValidatePhone(in.Destination); err != nil {
			return nil, domain.ErrValidation(err.Error())
		}
	case domain.DeviceEmail:
		if err := domain.ValidateEmail(in.Destination); err != nil {
			return nil, domain.ErrValidation(err.Error())
		}
	}
	if in.Label == "" {
		in.Label = string(in.Type)
	}

	now := c.Now().UTC()
	device := &domain.MFADevice{
		ID:          uuid.New(),
		OwnerID:     in.OwnerID,
		Type:        in.Type,
		Label:       in.Label,
		Destination: in.Destination,
		CreatedAt:   now,
	}
	result := &SetupResult{DeviceID: device.ID, Type: in.Type}

	var secret string
	if in.Type == domain.DeviceTOTP {
		var err error
		secret, result.ProvisioningURI, err = NewTOTPKey(c.cfg.Issuer, in.OwnerID+":"+in.Label)
		if err != nil {
			return nil, domain.ErrInternal("generate totp secret", err)
		}
		result.Secret = secret
	} else {
		buf := make([]byte, 20)
		if _, err := rand.Read(buf); err != nil {
			return nil, domain.ErrInternal("generate device secret", err)
		}
		secret = base32.StdEncoding.EncodeToString(buf)
	}

	sealed, err := c.sealer.Seal(secret, device.ID.String())
	if err != nil {
		return nil, domain.ErrInternal("seal device secret", err)
	}
	device.EncryptedSecret = sealed

	codes, hashes, err := GenerateBackupCodes(BackupCodeCount, c.cfg.BcryptCost)
	if err != nil {
		return nil, domain.ErrInternal("generate backup codes", err)
	}
	device.BackupCodeHashes = hashes
	result.BackupCodes = codes

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	err = c.devices.Create(storeCtx, device)
	cancel()
	if err != nil {
		return nil, err
	}

	// setup challenges share the device's id and cap attempts for every type
	ch, err := c.issue(ctx, device.ID, device, domain.ChallengeMetadata{Purpose: domain.PurposeSetup})
	if err != nil {
		return nil, err
	}
	result.CodeExpiresAt = &ch.ExpiresAt

	c.audit.LogEvent(ctx, domain.EventMFASetupStarted, domain.OutcomeSuccess,
		map[string]string{"device_type": string(in.Type)},
		risk.LogOptions{ActorID: in.OwnerID, ResourceRef: "mfa_device:" + device.ID.String()})
	c.logger.Info("mfa device enrolled", "owner_id", in.OwnerID, "device_id", device.ID, "type", in.Type)
	return result, nil
}

// VerifySetup confirms enrolment with one correct code, marks the device
// verified and enables MFA for the owner.
func (c *Coordinator) VerifySetup(ctx context.Context, ownerID string, deviceID uuid.UUID, code string) (domain.VerificationResult, error) {
	device, err := c.findDevice(ctx, deviceID)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if device == nil || device.OwnerID != ownerID {
		return domain.VerificationResult{Failure: domain.FailureNotFound}, nil
	}
	if device.Verified {
		return domain.VerificationResult{}, domain.ErrConflict("device is already verified")
	}

	res, _, err := c.verify(ctx, device.ID, code, func(ch *domain.MFAChallenge) bool {
		return ch.Metadata.Purpose == domain.PurposeSetup && ch.OwnerID == ownerID
	})
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if !res.Success {
		return res, nil
	}

	devices, err := infra.RetryRead(ctx, c.cfg.StoreRetries, c.cfg.StoreTimeout,
		func(ctx context.Context) ([]domain.MFADevice, error) { return c.devices.ListByOwner(ctx, ownerID) })
	if err != nil {
		return domain.VerificationResult{}, err
	}
	primary := true
	for _, d := range devices {
		if d.Primary && d.Verified {
			primary = false
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.devices.MarkVerified(storeCtx, device.ID, primary); err != nil {
		return domain.VerificationResult{}, err
	}
	if err := c.owners.SetMFAEnabled(storeCtx, ownerID, true); err != nil {
		return domain.VerificationResult{}, err
	}

	c.audit.LogEvent(ctx, domain.EventMFASetupVerified, domain.OutcomeSuccess,
		map[string]interface{}{"device_type": device.Type, "primary": primary},
		risk.LogOptions{ActorID: ownerID, ResourceRef: "mfa_device:" + device.ID.String()})
	return res, nil
}

// DisableDevice removes a device. MFA is switched off for the owner when no
// verified device remains.
func (c *Coordinator) DisableDevice(ctx context.Context, ownerID string, deviceID uuid.UUID) error {
	device, err := c.findDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil || device.OwnerID != ownerID {
		return domain.ErrNotFound("mfa device", deviceID.String())
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.devices.Delete(storeCtx, deviceID); err != nil {
		return err
	}
	remaining, err := c.devices.ListByOwner(storeCtx, ownerID)
	if err != nil {
		return err
	}
	stillEnabled := false
	for _, d := range remaining {
		if d.Verified {
			stillEnabled = true
			break
		}
	}
	if !stillEnabled {
		if err := c.owners.SetMFAEnabled(storeCtx, ownerID, false); err != nil {
			return err
		}
	}

	c.audit.LogEvent(ctx, domain.EventMFADisable, domain.OutcomeSuccess,
		map[string]interface{}{"device_type": device.Type, "mfa_enabled": stillEnabled},
		risk.LogOptions{ActorID: ownerID, ResourceRef: "mfa_device:" + deviceID.String(), Action: "mfa_disable"})
	c.logger.Info("mfa device removed", "owner_id", ownerID, "device_id", deviceID, "mfa_enabled", stillEnabled)
	return nil
}

// issue stores a challenge for device and dispatches a code for
// out-of-band types.
func (c *Coordinator) issue(ctx context.Context, id uuid.UUID, device *domain.MFADevice, meta domain.ChallengeMetadata) (*domain.MFAChallenge, error) {
	now := c.Now().UTC()
	ch := &domain.MFAChallenge{
		ID:                id,
		OwnerID:           device.OwnerID,
		DeviceID:          device.ID,
		Type:              device.Type,
		ExpiresAt:         now.Add(c.cfg.ChallengeTTL),
		AttemptsRemaining: c.cfg.ChallengeAttempts,
		Metadata:          meta,
		CreatedAt:         now,
	}

	var code string
	if device.Type.IsOutOfBand() {
		var err error
		if code, err = GenerateNumericCode(CodeDigits); err != nil {
			return nil, domain.ErrInternal("generate challenge code", err)
		}
		ch.CodeHash = HashCode(c.codeKey, code)
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	err := c.challenges.Create(storeCtx, ch)
	cancel()
	if err != nil {
		return nil, err
	}

	if code != "" {
		err := c.dispatcher.Dispatch(ctx, notify.Message{
			Channel:     device.Type,
			OwnerID:     device.OwnerID,
			Destination: device.Destination,
			Code:        code,
			Purpose:     meta.Purpose,
			ExpiresAt:   ch.ExpiresAt,
		})
		if err != nil {
			delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreTimeout)
			_, _ = c.challenges.Delete(delCtx, ch.ID)
			cancel()
			return nil, domain.ErrInternal("deliver verification code", err)
		}
	}
	return ch, nil
}

// verify runs the shared checks: existence, expiry, attempt reservation,
// then the code itself. Challenges rejected by match are reported as not
// found before any attempt is spent. Enrolment challenges never accept
// backup codes. On success the challenge is deleted and only the caller
// that deleted it succeeds.
func (c *Coordinator) verify(ctx context.Context, challengeID uuid.UUID, code string, match func(*domain.MFAChallenge) bool) (domain.VerificationResult, *domain.MFADevice, error) {
	ch, err := infra.RetryRead(ctx, c.cfg.StoreRetries, c.cfg.StoreTimeout,
		func(ctx context.Context) (*domain.MFAChallenge, error) { return c.challenges.FindByID(ctx, challengeID) })
	if err != nil {
		return domain.VerificationResult{}, nil, err
	}
	if ch == nil || !match(ch) {
		return domain.VerificationResult{Failure: domain.FailureNotFound}, nil, nil
	}
	res := domain.VerificationResult{OwnerID: ch.OwnerID, DeviceID: ch.DeviceID, Metadata: ch.Metadata}
	if !c.Now().Before(ch.ExpiresAt) {
		res.Failure = domain.FailureExpired
		return res, nil, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	remaining, ok, err := c.challenges.ReserveAttempt(storeCtx, ch.ID)
	cancel()
	if err != nil {
		return domain.VerificationResult{}, nil, err
	}
	if !ok {
		res.Failure = domain.FailureExhausted
		return res, nil, nil
	}
	res.Remaining = remaining

	device, err := c.findDevice(ctx, ch.DeviceID)
	if err != nil {
		return domain.VerificationResult{}, nil, err
	}
	if device == nil {
		res.Failure = domain.FailureNotFound
		return res, nil, nil
	}
	res.DeviceLabel = device.Label

	matched := false
	switch {
	case device.Type == domain.DeviceTOTP:
		if matched, err = c.checkTOTP(device, code); err != nil {
			return domain.VerificationResult{}, nil, err
		}
	case ch.CodeHash != "":
		matched = CheckCode(c.codeKey, code, ch.CodeHash)
	}
	if !matched && ch.Metadata.Purpose != domain.PurposeSetup && domain.LooksLikeBackupCode(NormalizeBackupCode(code)) {
		if hash, ok := MatchBackupCode(device.BackupCodeHashes, code); ok {
			storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
			consumed, err := c.devices.ConsumeBackupCode(storeCtx, device.ID, hash)
			cancel()
			if err != nil {
				return domain.VerificationResult{}, nil, err
			}
			matched = consumed
			res.UsedBackupCode = consumed
		}
	}
	if !matched {
		res.Failure = domain.FailureInvalidCode
		return res, device, nil
	}

	storeCtx, cancel = context.WithTimeout(ctx, c.cfg.StoreTimeout)
	deleted, err := c.challenges.Delete(storeCtx, ch.ID)
	cancel()
	if err != nil {
		return domain.VerificationResult{}, nil, err
	}
	if !deleted {
		res.Failure = domain.FailureNotFound
		res.UsedBackupCode = false
		return res, device, nil
	}
	res.Success = true
	return res, device, nil
}

func (c *Coordinator) checkTOTP(device *domain.MFADevice, code string) (bool, error) {
	if !domain.LooksLikeOTP(code) {
		return false, nil
	}
	secret, err := c.sealer.Open(device.EncryptedSecret, device.ID.String())
	if err != nil {
		return false, domain.ErrInternal("open device secret", err)
	}
	return ValidateTOTP(code, secret, c.Now()), nil
}

func (c *Coordinator) findDevice(ctx context.Context, id uuid.UUID) (*domain.MFADevice, error) {
	return infra.RetryRead(ctx, c.cfg.StoreRetries, c.cfg.StoreTimeout,
		func(ctx context.Context) (*domain.MFADevice, error) { return c.devices.FindByID(ctx, id) })
}

// pickDevice prefers a verified device of the preferred type, then the
// primary device, then the first verified one.
func pickDevice(devices []domain.MFADevice, preferred *domain.DeviceType) *domain.MFADevice {
	var primary, first *domain.MFADevice
	for i := range devices {
		d := &devices[i]
		if !d.Verified {
			continue
		}
		if preferred != nil && d.Type == *preferred {
			return d
		}
		if d.Primary && primary == nil {
			primary = d
		}
		if first == nil {
			first = d
		}
	}
	if primary != nil {
		return primary
	}
	return first
}
