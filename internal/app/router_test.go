package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/mfa"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const browser = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"

type testServer struct {
	engine *Engine
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("ALLOW_INSECURE_DEFAULTS", "true")
	t.Setenv("BCRYPT_COST", "4")
	cfg, err := infra.LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	e, err := NewEngine(Deps{
		Config: cfg,
		Stores: MemoryStores(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })

	return &testServer{engine: e, router: NewRouter(RouterDeps{Engine: e})}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.RemoteAddr = "198.51.100.7:51234"
	r.Header.Set("User-Agent", browser)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

type loginBody struct {
	Status    string                 `json:"status"`
	Session   *domain.SessionContext `json:"session"`
	Challenge *domain.ChallengeInfo  `json:"challenge"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func credentials(email string) map[string]interface{} {
	return map[string]interface{}{
		"email":    email,
		"password": "correct horse battery",
		"signals":  map[string]interface{}{"platform": "Linux x86_64", "language": "en-US", "timezone": "UTC"},
	}
}

func (s *testServer) register(t *testing.T, email string) *domain.SessionContext {
	t.Helper()
	w := s.do(t, http.MethodPost, "/auth/register", "", credentials(email))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode[loginBody](t, w)
	require.NotNil(t, body.Session)
	return body.Session
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "authrisk_http_requests_total")
}

func TestRouter_SessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	sc := s.register(t, "ana@example.com")

	w := s.do(t, http.MethodPost, "/sessions/validate", "", map[string]string{"token": sc.Token})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[domain.ValidationResult](t, w)
	assert.True(t, res.Valid)
	assert.Equal(t, sc.SessionID, res.Session.SessionID)

	// not yet inside the refresh window
	w = s.do(t, http.MethodPost, "/sessions/refresh", "", map[string]string{"refresh_token": sc.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.ReasonNotRefreshable, decode[domain.ValidationResult](t, w).Reason)

	w = s.do(t, http.MethodPost, "/sessions/signout", sc.Token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/sessions/validate", "", map[string]string{"token": sc.Token})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[domain.ValidationResult](t, w)
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonRevoked, res.Reason)

	w = s.do(t, http.MethodPost, "/events", sc.Token, map[string]string{"event_type": "data.bulk_access"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_ForwardedForFromUntrustedPeerIgnored(t *testing.T) {
	s := newTestServer(t)
	sc := s.register(t, "ana@example.com")

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{"token": sc.Token}))
	r := httptest.NewRequest(http.MethodPost, "/sessions/validate", &buf)
	r.RemoteAddr = "203.0.113.99:40000"
	r.Header.Set("User-Agent", browser)
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[domain.ValidationResult](t, w)
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonOriginMismatch, res.Reason)
}

func TestRouter_LoginAndEvents(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "ana@example.com")

	w := s.do(t, http.MethodPost, "/auth/login", "", credentials("ana@example.com"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	login := decode[loginBody](t, w)
	require.Equal(t, "authenticated", login.Status)
	token := login.Session.Token

	w = s.do(t, http.MethodPost, "/events", token, map[string]string{"event_type": "data.bulk_access", "idempotency_key": "export-1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEqual(t, uuid.Nil, decode[map[string]uuid.UUID](t, w)["audit_id"])

	w = s.do(t, http.MethodPost, "/events", token, map[string]string{"event_type": "data.bulk_access", "idempotency_key": "export-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/events", token, map[string]string{"event_type": "NotDotted"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/risk/assess", token, map[string]interface{}{"action": "payment"})
	require.Equal(t, http.StatusOK, w.Code)
	ra := decode[domain.RiskAssessment](t, w)
	assert.Equal(t, 25.0, ra.SubScores.Action)
	assert.NotEmpty(t, ra.FingerprintID)

	w = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "ana@example.com", "password": "wrong password!"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_MFAEnrolmentAndStepUpLogin(t *testing.T) {
	s := newTestServer(t)
	sc := s.register(t, "ana@example.com")

	w := s.do(t, http.MethodPost, "/mfa/devices", sc.Token, map[string]string{"type": "totp", "label": "phone"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	setup := decode[mfa.SetupResult](t, w)
	require.NotEmpty(t, setup.Secret)
	assert.Len(t, setup.BackupCodes, mfa.BackupCodeCount)

	code, err := mfa.TOTPCode(setup.Secret, time.Now())
	require.NoError(t, err)
	// enrolment challenges are not step-up challenges
	w = s.do(t, http.MethodPost, "/mfa/challenges/"+setup.DeviceID.String()+"/verify", sc.Token, map[string]string{"code": code})
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/mfa/devices/"+setup.DeviceID.String()+"/verify", sc.Token, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/auth/login", "", credentials("ana@example.com"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	login := decode[loginBody](t, w)
	require.Equal(t, "mfa_required", login.Status)
	require.NotNil(t, login.Challenge)

	code, err = mfa.TOTPCode(setup.Secret, time.Now())
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/mfa/challenges/"+login.Challenge.ChallengeID.String()+"/verify", sc.Token, map[string]string{"code": code})
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/auth/login/mfa", "", map[string]string{"challenge_id": login.Challenge.ChallengeID.String(), "code": "000000"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	code, err = mfa.TOTPCode(setup.Secret, time.Now())
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/auth/login/mfa", "", map[string]string{"challenge_id": login.Challenge.ChallengeID.String(), "code": code})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[loginBody](t, w)
	require.NotNil(t, done.Session)
	assert.True(t, done.Session.MFAVerified)
}

func TestRouter_AdminRevokeAll(t *testing.T) {
	s := newTestServer(t)
	user := s.register(t, "ana@example.com")
	s.register(t, "ana2@example.com")

	w := s.do(t, http.MethodPost, "/admin/owners/"+user.OwnerID+"/sessions/revoke", user.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse battery"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.engine.Stores.Owners.Create(context.Background(), &domain.Owner{
		ID: uuid.New(), Email: "root@example.com", PasswordHash: string(hash), Role: auth.RoleAdmin, CreatedAt: time.Now(),
	}))
	w = s.do(t, http.MethodPost, "/auth/login", "", credentials("root@example.com"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	admin := decode[loginBody](t, w)

	w = s.do(t, http.MethodPost, "/admin/owners/"+user.OwnerID+"/sessions/revoke", admin.Session.Token, map[string]string{"reason": "administrative"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[map[string]int](t, w)["revoked"])

	w = s.do(t, http.MethodPost, "/sessions/validate", "", map[string]string{"token": user.Token})
	assert.False(t, decode[domain.ValidationResult](t, w).Valid)
}
