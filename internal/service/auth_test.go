package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/device"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/guard"
	"github.com/attaboy/authrisk/internal/mfa"
	"github.com/attaboy/authrisk/internal/notify"
	"github.com/attaboy/authrisk/internal/policy"
	"github.com/attaboy/authrisk/internal/repository/memory"
	"github.com/attaboy/authrisk/internal/risk"
	"github.com/attaboy/authrisk/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

const password = "correct horse battery"

type fixture struct {
	svc      *AuthService
	owners   *memory.OwnerStore
	audit    *memory.AuditStore
	scorer   *risk.Scorer
	coord    *mfa.Coordinator
	sessions *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := discardLogger()
	clock := func() time.Time { return noon }

	f := &fixture{owners: memory.NewOwnerStore(), audit: memory.NewAuditStore()}
	analyzer := risk.NewAnalyzer(f.audit, risk.AnalyzerConfig{}, logger)
	analyzer.Now = clock
	f.scorer = risk.NewScorer(analyzer, f.audit, nil, risk.ScorerConfig{}, logger)
	f.scorer.Now = clock

	sealer, err := mfa.NewSealer([]byte(strings.Repeat("s", 32)))
	require.NoError(t, err)
	mfaCfg := mfa.DefaultConfig()
	mfaCfg.BcryptCost = bcrypt.MinCost
	f.coord = mfa.NewCoordinator(mfa.Deps{
		Devices:    memory.NewDeviceStore(),
		Challenges: memory.NewChallengeStore(),
		Owners:     f.owners,
		Dispatcher: notify.NewLogDispatcher(logger),
		Sealer:     sealer,
		CodeKey:    []byte("code-hash-key-code-hash-key-0123"),
		Audit:      f.scorer,
	}, mfaCfg, logger)
	f.coord.Now = clock

	f.sessions = session.NewManager(memory.NewSessionStore(), auth.NewHandleSigner("test-secret"), f.scorer,
		session.NewNotifier(logger), session.DefaultConfig(), logger)
	f.sessions.Now = clock

	assessor, err := device.NewAssessor(memory.NewFingerprintStore(), device.NewGenerator(nil, 0), device.AssessorConfig{StoreRetries: 1}, logger)
	require.NoError(t, err)
	assessor.Now = clock

	f.svc = NewAuthService(AuthDeps{
		Identity: NewPasswordBackend(f.owners, bcrypt.MinCost),
		Owners:   f.owners,
		Lockout:  guard.NewLockout(f.audit, 0, 0, logger).WithClock(clock),
		Assessor: assessor,
		MFA:      f.coord,
		Sessions: f.sessions,
		Binding:  policy.BindingStrict,
		Audit:    f.scorer,
	}, 5*time.Minute, logger)
	return f
}

func laptop() Client {
	return Client{
		Origin: domain.Origin{IP: "198.51.100.20", ClientSignature: "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)"},
		Signals: domain.ClientSignals{
			UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)",
			Platform:         "MacIntel",
			Language:         "en-US",
			Timezone:         "Europe/Berlin",
			ScreenResolution: "2560x1440",
			ColorDepth:       30,
			CanvasHash:       "c4nv45",
			WebGLRenderer:    "Apple M2",
			AudioHash:        "4ud10",
			Fonts:            []string{"Helvetica", "Arial"},
			Plugins:          []string{"PDF Viewer"},
			LocalStorage:     true,
			SessionStorage:   true,
			IndexedDB:        true,
			ConnectionType:   "wifi",
			DownlinkMbps:     10,
			RTTMillis:        50,
			CPUCores:         8,
			DeviceMemoryGB:   16,
			PointerType:      "fine",
			HoverCapable:     true,
		},
		Behavior: domain.BehaviorSignals{SessionDuration: 3 * time.Minute, Interactions: 40, PageViews: 6},
	}
}

// tablet is a different device behind a proxy: medium risk.
func tablet() Client {
	c := laptop()
	c.Signals.WebGLRenderer = "Apple A15 GPU"
	c.Signals.ScreenResolution = "2048x1536"
	c.ProxyHint = true
	return c
}

func (f *fixture) register(t *testing.T, email string) *LoginResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterInput{Email: email, Password: password, Client: laptop()})
	require.NoError(t, err)
	return res
}

func (f *fixture) enrolTOTP(t *testing.T, ownerID string) string {
	t.Helper()
	ctx := context.Background()
	res, err := f.coord.SetupDevice(ctx, mfa.SetupInput{OwnerID: ownerID, Type: domain.DeviceTOTP, Label: "phone"})
	require.NoError(t, err)
	code, err := mfa.TOTPCode(res.Secret, noon)
	require.NoError(t, err)
	vr, err := f.coord.VerifySetup(ctx, ownerID, res.DeviceID, code)
	require.NoError(t, err)
	require.True(t, vr.Success)
	return res.Secret
}

func TestAuthService_RegisterOpensSession(t *testing.T) {
	f := newFixture(t)
	res := f.register(t, "ana@example.com")

	assert.Equal(t, LoginAuthenticated, res.Status)
	require.NotNil(t, res.Session)
	assert.NotEmpty(t, res.Session.Token)

	owner, err := f.owners.FindByEmail(context.Background(), "ana@example.com")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.NotEqual(t, password, owner.PasswordHash)
	assert.Equal(t, auth.RoleUser, owner.Role)
}

func TestAuthService_RegisterValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com")

	_, err := f.svc.Register(context.Background(), RegisterInput{Email: "ana@example.com", Password: password, Client: laptop()})
	assert.True(t, domain.HasCode(err, domain.CodeConflict))

	_, err = f.svc.Register(context.Background(), RegisterInput{Email: "bob@example.com", Password: "short", Client: laptop()})
	assert.True(t, domain.HasCode(err, domain.CodeValidation))

	_, err = f.svc.Register(context.Background(), RegisterInput{Email: "not-an-email", Password: password, Client: laptop()})
	assert.True(t, domain.HasCode(err, domain.CodeValidation))
}

func TestAuthService_LoginKnownDevice(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com")

	res, err := f.svc.Login(context.Background(), LoginInput{Email: "ana@example.com", Password: password, Client: laptop()})
	require.NoError(t, err)
	assert.Equal(t, LoginAuthenticated, res.Status)
	require.NotNil(t, res.Session)
	assert.False(t, res.Session.MFAVerified)
	assert.Equal(t, domain.RecommendAllow, res.Assessment.Recommendation)
	assert.Empty(t, res.Assessment.Factors)
}

func TestAuthService_WrongPassword(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com")

	_, err := f.svc.Login(context.Background(), LoginInput{Email: "ana@example.com", Password: "nope nope nope", Client: laptop()})
	assert.True(t, domain.HasCode(err, domain.CodeUnauthorized))

	_, err = f.svc.Login(context.Background(), LoginInput{Email: "nobody@example.com", Password: password, Client: laptop()})
	assert.True(t, domain.HasCode(err, domain.CodeUnauthorized))
}

func TestAuthService_LockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com")
	ctx := context.Background()

	for i := 0; i < guard.DefaultMaxAttempts; i++ {
		_, err := f.svc.Login(ctx, LoginInput{Email: "ana@example.com", Password: "wrong password", Client: laptop()})
		require.Error(t, err)
	}
	f.scorer.Wait()

	_, err := f.svc.Login(ctx, LoginInput{Email: "ana@example.com", Password: password, Client: laptop()})
	assert.True(t, domain.HasCode(err, domain.CodeAccountLocked))
}

func TestAuthService_MediumRiskWithoutMFAStillSignsIn(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com")

	res, err := f.svc.Login(context.Background(), LoginInput{Email: "ana@example.com", Password: password, Client: tablet()})
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendChallenge, res.Assessment.Recommendation)
	assert.Contains(t, res.Assessment.Factors, device.FactorNewDevice)
	assert.Equal(t, LoginAuthenticated, res.Status)
	assert.False(t, res.Session.MFAVerified)
}

func TestAuthService_MFAStepUp(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "ana@example.com")
	secret := f.enrolTOTP(t, reg.OwnerID.String())
	ctx := context.Background()

	res, err := f.svc.Login(ctx, LoginInput{Email: "ana@example.com", Password: password, Client: tablet()})
	require.NoError(t, err)
	require.Equal(t, LoginMFARequired, res.Status)
	require.NotNil(t, res.Challenge)
	assert.Nil(t, res.Session)
	assert.Equal(t, domain.DeviceTOTP, res.Challenge.Type)

	code, err := mfa.TOTPCode(secret, noon)
	require.NoError(t, err)
	done, err := f.svc.CompleteMFALogin(ctx, res.Challenge.ChallengeID, code, tablet())
	require.NoError(t, err)
	assert.Equal(t, LoginAuthenticated, done.Status)
	require.NotNil(t, done.Session)
	assert.True(t, done.Session.MFAVerified)

	// the tablet is now a known device
	again, err := f.svc.Login(ctx, LoginInput{Email: "ana@example.com", Password: password, Client: tablet()})
	require.NoError(t, err)
	assert.NotContains(t, again.Assessment.Factors, device.FactorNewDevice)
}

func TestAuthService_MFALoginWrongCode(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "ana@example.com")
	f.enrolTOTP(t, reg.OwnerID.String())
	ctx := context.Background()

	res, err := f.svc.Login(ctx, LoginInput{Email: "ana@example.com", Password: password, Client: laptop()})
	require.NoError(t, err)
	require.Equal(t, LoginMFARequired, res.Status)

	_, err = f.svc.CompleteMFALogin(ctx, res.Challenge.ChallengeID, "000000", laptop())
	assert.True(t, domain.HasCode(err, domain.CodeUnauthorized))
}

func TestAuthService_MFALoginFromOtherOrigin(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "ana@example.com")
	secret := f.enrolTOTP(t, reg.OwnerID.String())
	ctx := context.Background()

	res, err := f.svc.Login(ctx, LoginInput{Email: "ana@example.com", Password: password, Client: laptop()})
	require.NoError(t, err)
	require.Equal(t, LoginMFARequired, res.Status)

	other := laptop()
	other.Origin.IP = "192.0.2.99"
	code, err := mfa.TOTPCode(secret, noon)
	require.NoError(t, err)
	_, err = f.svc.CompleteMFALogin(ctx, res.Challenge.ChallengeID, code, other)
	assert.True(t, domain.HasCode(err, domain.CodeBindingMismatch))
}

func TestAuthService_ScriptedLoginBlocked(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana@example.com")

	script := Client{
		Origin:    domain.Origin{IP: "203.0.113.50", ClientSignature: "python-requests/2.31"},
		Signals:   domain.ClientSignals{UserAgent: "python-requests/2.31"},
		ProxyHint: true,
		GeoRisk:   20,
	}
	_, err := f.svc.Login(context.Background(), LoginInput{Email: "ana@example.com", Password: password, Client: script})
	assert.True(t, domain.HasCode(err, domain.CodeLoginDenied))

	f.scorer.Wait()
	denied := 0
	for _, r := range f.audit.Records() {
		if r.EventType == domain.EventLoginDenied {
			denied++
		}
	}
	assert.Equal(t, 1, denied)
}
