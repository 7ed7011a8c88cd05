package mfa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/guard"
	"github.com/attaboy/authrisk/internal/notify"
	"github.com/attaboy/authrisk/internal/repository/memory"
	"github.com/attaboy/authrisk/internal/risk"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type nopAudit struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (a *nopAudit) LogEvent(_ context.Context, eventType domain.EventType, _ domain.Outcome, _ interface{}, _ risk.LogOptions) uuid.UUID {
	a.mu.Lock()
	a.events = append(a.events, eventType)
	a.mu.Unlock()
	return uuid.New()
}

type captureDispatcher struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (d *captureDispatcher) Dispatch(_ context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *captureDispatcher) lastCode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msgs[len(d.msgs)-1].Code
}

type fixture struct {
	coord    *Coordinator
	devices  *memory.DeviceStore
	owners   *memory.OwnerStore
	dispatch *captureDispatcher
	audit    *nopAudit
	ownerID  string
	now      time.Time
}

func newFixture(t *testing.T, limiter *guard.RateLimiter) *fixture {
	t.Helper()
	sealer, err := NewSealer([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	f := &fixture{
		devices:  memory.NewDeviceStore(),
		owners:   memory.NewOwnerStore(),
		dispatch: &captureDispatcher{},
		audit:    &nopAudit{},
		now:      t0,
	}
	owner := &domain.Owner{ID: uuid.New(), Email: "owner@example.com", Role: "user", CreatedAt: t0}
	require.NoError(t, f.owners.Create(context.Background(), owner))
	f.ownerID = owner.ID.String()

	cfg := DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	f.coord = NewCoordinator(Deps{
		Devices:    f.devices,
		Challenges: memory.NewChallengeStore(),
		Owners:     f.owners,
		Dispatcher: f.dispatch,
		Sealer:     sealer,
		CodeKey:    []byte("code-hash-key-code-hash-key-0123"),
		Limiter:    limiter,
		Audit:      f.audit,
	}, cfg, discardLogger())
	f.coord.Now = func() time.Time { return f.now }
	return f
}

// enrolTOTP sets up and verifies a TOTP device, returning its secret.
func (f *fixture) enrolTOTP(t *testing.T) (*SetupResult, string) {
	t.Helper()
	res, err := f.coord.SetupDevice(context.Background(), SetupInput{OwnerID: f.ownerID, Type: domain.DeviceTOTP, Label: "phone app"})
	require.NoError(t, err)
	code, err := TOTPCode(res.Secret, f.now)
	require.NoError(t, err)
	vr, err := f.coord.VerifySetup(context.Background(), f.ownerID, res.DeviceID, code)
	require.NoError(t, err)
	require.True(t, vr.Success)
	return res, res.Secret
}

func (f *fixture) enrolSMS(t *testing.T) *SetupResult {
	t.Helper()
	res, err := f.coord.SetupDevice(context.Background(), SetupInput{OwnerID: f.ownerID, Type: domain.DeviceSMS, Label: "mobile", Destination: "+15551234567"})
	require.NoError(t, err)
	vr, err := f.coord.VerifySetup(context.Background(), f.ownerID, res.DeviceID, f.dispatch.lastCode())
	require.NoError(t, err)
	require.True(t, vr.Success)
	return res
}

func TestCoordinator_SetupTOTP(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := f.enrolTOTP(t)

	assert.True(t, strings.HasPrefix(res.ProvisioningURI, "otpauth://totp/"))
	assert.Len(t, res.BackupCodes, BackupCodeCount)

	d, err := f.devices.FindByID(context.Background(), res.DeviceID)
	require.NoError(t, err)
	assert.True(t, d.Verified)
	assert.True(t, d.Primary)
	assert.NotContains(t, d.EncryptedSecret, res.Secret)

	owner, _ := f.owners.FindByID(context.Background(), f.ownerID)
	assert.True(t, owner.MFAEnabled)
	assert.Contains(t, f.audit.events, domain.EventMFASetupVerified)
}

func TestCoordinator_SetupRejectsBadDestination(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.SetupDevice(context.Background(), SetupInput{OwnerID: f.ownerID, Type: domain.DeviceSMS, Destination: "555"})
	assert.True(t, domain.HasCode(err, domain.CodeValidation))

	_, err = f.coord.SetupDevice(context.Background(), SetupInput{OwnerID: f.ownerID, Type: "carrier_pigeon"})
	assert.True(t, domain.HasCode(err, domain.CodeValidation))
}

func TestCoordinator_SetupWrongCodeLeavesDeviceUnverified(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.coord.SetupDevice(context.Background(), SetupInput{OwnerID: f.ownerID, Type: domain.DeviceTOTP})
	require.NoError(t, err)

	vr, err := f.coord.VerifySetup(context.Background(), f.ownerID, res.DeviceID, "000000")
	require.NoError(t, err)
	assert.False(t, vr.Success)

	d, _ := f.devices.FindByID(context.Background(), res.DeviceID)
	assert.False(t, d.Verified)
}

func TestCoordinator_SetupChallengeNotVerifiableAsChallenge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.coord.SetupDevice(ctx, SetupInput{OwnerID: f.ownerID, Type: domain.DeviceSMS, Destination: "+15551234567"})
	require.NoError(t, err)
	code := f.dispatch.lastCode()

	vr, err := f.coord.VerifyChallenge(ctx, res.DeviceID, code)
	require.NoError(t, err)
	assert.False(t, vr.Success)
	assert.Equal(t, domain.FailureNotFound, vr.Failure)

	vr, err = f.coord.VerifySetup(ctx, f.ownerID, res.DeviceID, code)
	require.NoError(t, err)
	assert.True(t, vr.Success)
	assert.Equal(t, domain.PurposeSetup, vr.Metadata.Purpose)
}

func TestCoordinator_TOTPSetupAttemptsExhaust(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.coord.SetupDevice(ctx, SetupInput{OwnerID: f.ownerID, Type: domain.DeviceTOTP})
	require.NoError(t, err)
	require.NotNil(t, res.CodeExpiresAt)

	code, err := TOTPCode(res.Secret, f.now)
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for want := 2; want >= 0; want-- {
		vr, err := f.coord.VerifySetup(ctx, f.ownerID, res.DeviceID, wrong)
		require.NoError(t, err)
		assert.Equal(t, domain.FailureInvalidCode, vr.Failure)
		assert.Equal(t, want, vr.Remaining)
	}

	vr, err := f.coord.VerifySetup(ctx, f.ownerID, res.DeviceID, code)
	require.NoError(t, err)
	assert.False(t, vr.Success)
	assert.Equal(t, domain.FailureExhausted, vr.Failure)

	d, _ := f.devices.FindByID(ctx, res.DeviceID)
	assert.False(t, d.Verified)
}

func TestCoordinator_VerifyStepUpScopesPurposeAndOwner(t *testing.T) {
	f := newFixture(t, nil)
	f.enrolSMS(t)
	ctx := context.Background()

	login, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
	require.NoError(t, err)
	loginCode := f.dispatch.lastCode()
	vr, err := f.coord.VerifyStepUp(ctx, f.ownerID, login.ChallengeID, loginCode)
	require.NoError(t, err)
	assert.Equal(t, domain.FailureNotFound, vr.Failure)

	stepUp, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{Purpose: domain.PurposeStepUp})
	require.NoError(t, err)
	stepUpCode := f.dispatch.lastCode()
	vr, err = f.coord.VerifyStepUp(ctx, "someone-else", stepUp.ChallengeID, stepUpCode)
	require.NoError(t, err)
	assert.Equal(t, domain.FailureNotFound, vr.Failure)
	vr, err = f.coord.VerifyChallenge(ctx, stepUp.ChallengeID, stepUpCode)
	require.NoError(t, err)
	assert.Equal(t, domain.FailureNotFound, vr.Failure)

	vr, err = f.coord.VerifyStepUp(ctx, f.ownerID, stepUp.ChallengeID, stepUpCode)
	require.NoError(t, err)
	assert.True(t, vr.Success)
	assert.Equal(t, domain.PurposeStepUp, vr.Metadata.Purpose)

	// rejected lookups spend no attempts
	vr, err = f.coord.VerifyChallenge(ctx, login.ChallengeID, loginCode)
	require.NoError(t, err)
	assert.True(t, vr.Success)
}

func TestCoordinator_CreateChallengeWithoutDevice(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.CreateChallenge(context.Background(), f.ownerID, nil, domain.ChallengeMetadata{})
	assert.True(t, domain.HasCode(err, domain.CodeNotFound))
}

func TestCoordinator_TOTPSkewWindow(t *testing.T) {
	f := newFixture(t, nil)
	_, secret := f.enrolTOTP(t)
	ctx := context.Background()

	cases := []struct {
		offset time.Duration
		ok     bool
	}{
		{-30 * time.Second, true},
		{0, true},
		{30 * time.Second, true},
		{-60 * time.Second, false},
		{60 * time.Second, false},
	}
	for _, tc := range cases {
		info, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
		require.NoError(t, err)
		code, err := TOTPCode(secret, f.now.Add(tc.offset))
		require.NoError(t, err)

		vr, err := f.coord.VerifyChallenge(ctx, info.ChallengeID, code)
		require.NoError(t, err)
		assert.Equal(t, tc.ok, vr.Success, "offset %s", tc.offset)
	}
}

func TestCoordinator_OutOfBandChallenge(t *testing.T) {
	f := newFixture(t, nil)
	f.enrolSMS(t)
	ctx := context.Background()

	info, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{IP: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceSMS, info.Type)
	assert.Equal(t, "********4567", info.MaskedDestination)
	assert.Equal(t, 3, info.AttemptsRemaining)
	assert.Equal(t, t0.Add(5*time.Minute), info.ExpiresAt)

	vr, err := f.coord.VerifyChallenge(ctx, info.ChallengeID, f.dispatch.lastCode())
	require.NoError(t, err)
	assert.True(t, vr.Success)
	assert.Equal(t, f.ownerID, vr.OwnerID)
	assert.Equal(t, "mobile", vr.DeviceLabel)
	assert.Equal(t, "203.0.113.7", vr.Metadata.IP)

	// consumed on success
	vr, err = f.coord.VerifyChallenge(ctx, info.ChallengeID, f.dispatch.lastCode())
	require.NoError(t, err)
	assert.Equal(t, domain.FailureNotFound, vr.Failure)
}

func TestCoordinator_AttemptsExhaust(t *testing.T) {
	f := newFixture(t, nil)
	f.enrolSMS(t)
	ctx := context.Background()

	info, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
	require.NoError(t, err)
	code := f.dispatch.lastCode()
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for want := 2; want >= 0; want-- {
		vr, err := f.coord.VerifyChallenge(ctx, info.ChallengeID, wrong)
		require.NoError(t, err)
		assert.Equal(t, domain.FailureInvalidCode, vr.Failure)
		assert.Equal(t, want, vr.Remaining)
	}

	vr, err := f.coord.VerifyChallenge(ctx, info.ChallengeID, code)
	require.NoError(t, err)
	assert.False(t, vr.Success)
	assert.Equal(t, domain.FailureExhausted, vr.Failure)
	assert.Contains(t, f.audit.events, domain.EventMFAChallengeFailed)
}

func TestCoordinator_ExpiredChallenge(t *testing.T) {
	f := newFixture(t, nil)
	f.enrolSMS(t)
	ctx := context.Background()

	info, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
	require.NoError(t, err)

	f.now = t0.Add(5 * time.Minute)
	vr, err := f.coord.VerifyChallenge(ctx, info.ChallengeID, f.dispatch.lastCode())
	require.NoError(t, err)
	assert.Equal(t, domain.FailureExpired, vr.Failure)
	assert.True(t, domain.HasCode(vr.Err(), domain.CodeExpired))
}

func TestCoordinator_BackupCodeIsSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := f.enrolTOTP(t)
	ctx := context.Background()
	backup := strings.ToLower(res.BackupCodes[0])

	info, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
	require.NoError(t, err)
	vr, err := f.coord.VerifyChallenge(ctx, info.ChallengeID, backup)
	require.NoError(t, err)
	assert.True(t, vr.Success)
	assert.True(t, vr.UsedBackupCode)

	d, _ := f.devices.FindByID(ctx, res.DeviceID)
	assert.Len(t, d.BackupCodeHashes, BackupCodeCount-1)

	info, err = f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
	require.NoError(t, err)
	vr, err = f.coord.VerifyChallenge(ctx, info.ChallengeID, backup)
	require.NoError(t, err)
	assert.Equal(t, domain.FailureInvalidCode, vr.Failure)
}

func TestCoordinator_ConcurrentVerifySucceedsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.enrolSMS(t)
	ctx := context.Background()

	info, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
	require.NoError(t, err)
	code := f.dispatch.lastCode()

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vr, err := f.coord.VerifyChallenge(ctx, info.ChallengeID, code)
			if err == nil && vr.Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load())
}

func TestCoordinator_DispatchFailureDropsChallenge(t *testing.T) {
	f := newFixture(t, nil)
	f.enrolSMS(t)
	f.dispatch.err = errors.New("gateway down")

	_, err := f.coord.CreateChallenge(context.Background(), f.ownerID, nil, domain.ChallengeMetadata{})
	assert.True(t, domain.HasCode(err, domain.CodeInternal))
}

func TestCoordinator_RateLimitsChallenges(t *testing.T) {
	f := newFixture(t, guard.NewRateLimiter(2, 15*time.Minute))
	f.enrolTOTP(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
		require.NoError(t, err)
	}
	_, err := f.coord.CreateChallenge(ctx, f.ownerID, nil, domain.ChallengeMetadata{})
	assert.True(t, domain.HasCode(err, domain.CodeRateLimited))
}

func TestCoordinator_PreferredDeviceType(t *testing.T) {
	f := newFixture(t, nil)
	f.enrolTOTP(t)
	f.enrolSMS(t)

	info, err := f.coord.CreateChallenge(context.Background(), f.ownerID, nil, domain.ChallengeMetadata{})
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceTOTP, info.Type, "primary device by default")

	sms := domain.DeviceSMS
	info, err = f.coord.CreateChallenge(context.Background(), f.ownerID, &sms, domain.ChallengeMetadata{})
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceSMS, info.Type)
}

func TestCoordinator_DisableDevice(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := f.enrolTOTP(t)
	ctx := context.Background()

	err := f.coord.DisableDevice(ctx, "someone-else", res.DeviceID)
	assert.True(t, domain.HasCode(err, domain.CodeNotFound))

	require.NoError(t, f.coord.DisableDevice(ctx, f.ownerID, res.DeviceID))
	owner, _ := f.owners.FindByID(ctx, f.ownerID)
	assert.False(t, owner.MFAEnabled)
	assert.Contains(t, f.audit.events, domain.EventMFADisable)
}
