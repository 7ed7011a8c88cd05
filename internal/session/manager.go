// Package session manages the lifecycle of authenticated sessions: creation
// with a concurrency limit, origin-bound validation with activity expiry,
// refresh, revocation and warnings.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/metrics"
	"github.com/attaboy/authrisk/internal/policy"
	"github.com/attaboy/authrisk/internal/repository"
	"github.com/attaboy/authrisk/internal/risk"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config holds the session timing rules.
type Config struct {
	SessionDuration  time.Duration
	ActivityTimeout  time.Duration
	WarningThreshold time.Duration
	RefreshThreshold time.Duration
	Policy           policy.SessionPolicy
	StoreTimeout     time.Duration
	StoreRetries     int
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		SessionDuration:  24 * time.Hour,
		ActivityTimeout:  30 * time.Minute,
		WarningThreshold: 5 * time.Minute,
		RefreshThreshold: time.Hour,
		Policy: policy.SessionPolicy{
			Binding:       policy.BindingStrict,
			Concurrency:   policy.ConcurrencyEvictOldest,
			MaxConcurrent: 5,
		},
		StoreTimeout: 2 * time.Second,
		StoreRetries: 3,
	}
}

// AuditLogger records session events. Implemented by *risk.Scorer.
type AuditLogger interface {
	LogEvent(ctx context.Context, eventType domain.EventType, outcome domain.Outcome, data interface{}, opts risk.LogOptions) uuid.UUID
}

// CreateInput describes a freshly authenticated principal.
type CreateInput struct {
	OwnerID     string
	Role        string
	Binding     domain.Binding
	MFAVerified bool
}

// Manager is the single session lifecycle implementation.
type Manager struct {
	store    repository.SessionRepository
	signer   *auth.HandleSigner
	audit    AuditLogger
	notifier *Notifier
	cfg      Config
	logger   *slog.Logger
	warned   *lru.Cache[string, struct{}]
	Now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(store repository.SessionRepository, signer *auth.HandleSigner, audit AuditLogger, notifier *Notifier, cfg Config, logger *slog.Logger) *Manager {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = 3
	}
	warned, _ := lru.New[string, struct{}](8192)
	return &Manager{
		store:    store,
		signer:   signer,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		warned:   warned,
		Now:      time.Now,
	}
}

// Notifier returns the warning fan-out used by the manager.
func (m *Manager) Notifier() *Notifier {
	return m.notifier
}

// Evaluate derives the lifecycle state of s at now. It never mutates s.
func (m *Manager) Evaluate(s *domain.Session, now time.Time) domain.SessionState {
	if s.IsRevoked() {
		return domain.SessionRevoked
	}
	if now.After(s.ExpiresAt) {
		return domain.SessionExpired
	}
	idle := now.Sub(s.LastActivityAt)
	if idle > m.cfg.ActivityTimeout+m.cfg.WarningThreshold {
		return domain.SessionExpired
	}
	if idle > m.cfg.ActivityTimeout-m.cfg.WarningThreshold || s.ExpiresAt.Sub(now) < m.cfg.WarningThreshold {
		return domain.SessionWarned
	}
	if s.LastActivityAt.Equal(s.CreatedAt) {
		return domain.SessionCreated
	}
	return domain.SessionActive
}

// Create opens a session bound to the caller's origin and returns it with
// the raw handle and refresh token. Only their hashes are stored.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*domain.SessionContext, error) {
	if in.OwnerID == "" {
		return nil, domain.ErrValidation("owner id is required")
	}
	if in.Binding.IP != "" {
		if err := domain.ValidateIP(in.Binding.IP); err != nil {
			return nil, domain.ErrValidation(err.Error())
		}
	}

	now := m.Now().UTC()
	id := uuid.New()
	handle, err := m.signer.Issue(id, in.OwnerID, in.Role)
	if err != nil {
		return nil, domain.ErrInternal("issue session handle", err)
	}
	refresh, err := randomToken()
	if err != nil {
		return nil, domain.ErrInternal("generate refresh token", err)
	}

	s := &domain.Session{
		ID:               id,
		OwnerID:          in.OwnerID,
		AccessTokenHash:  HashToken(handle),
		RefreshTokenHash: HashToken(refresh),
		Binding:          in.Binding,
		MFAVerified:      in.MFAVerified,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.SessionDuration),
		LastActivityAt:   now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	evicted, err := m.store.Create(storeCtx, s, repository.CreateSessionParams{
		Limit:       m.cfg.Policy.MaxConcurrent,
		EvictOldest: m.cfg.Policy.EvictOldest(),
		Now:         now,
		IdleCutoff:  now.Add(-m.idleGrace()),
	})
	if err != nil {
		metrics.SessionOutcomesTotal.WithLabelValues("create", "rejected").Inc()
		if domain.HasCode(err, domain.CodeConflict) {
			m.audit.LogEvent(ctx, domain.EventSessionCreated, domain.OutcomeFailure,
				map[string]interface{}{"reason": "concurrent_limit", "limit": m.cfg.Policy.MaxConcurrent},
				m.logOpts(s, ""))
		}
		return nil, err
	}

	for i := range evicted {
		old := &evicted[i]
		m.audit.LogEvent(ctx, domain.EventSessionRevoked, domain.OutcomeSuccess,
			map[string]string{"reason": domain.RevokeConcurrentLimit, "replaced_by": id.String()}, m.logOpts(old, ""))
		m.notifier.Emit(domain.Warning{
			Kind:      domain.WarningConcurrentSessions,
			SessionID: old.ID,
			OwnerID:   old.OwnerID,
			Message:   "session ended because the concurrent session limit was reached",
			At:        now,
		})
	}

	metrics.SessionOutcomesTotal.WithLabelValues("create", "ok").Inc()
	m.audit.LogEvent(ctx, domain.EventSessionCreated, domain.OutcomeSuccess,
		map[string]interface{}{"mfa_verified": in.MFAVerified, "evicted": len(evicted)}, m.logOpts(s, ""))
	m.logger.Info("session created", "session_id", id, "owner_id", in.OwnerID, "evicted", len(evicted))

	sc := domain.NewSessionContext(s, domain.SessionCreated)
	sc.Token = handle
	sc.RefreshToken = refresh
	return sc, nil
}

// Validate checks a presented handle. Session outcomes are reported in the
// result; the error is non-nil only for infrastructure failures.
func (m *Manager) Validate(ctx context.Context, handle string, opts domain.ValidateOptions) (domain.ValidationResult, error) {
	s, err := m.find(ctx, handle, m.store.FindByAccessHash)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	res, s, err := m.check(ctx, s, opts)
	if err != nil || !res.Valid {
		m.countValidation(res)
		return res, err
	}

	now := m.Now().UTC()
	if opts.RequireActivityCheck {
		storeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
		updated, err := m.store.Touch(storeCtx, s.ID, now, now.Add(-m.idleGrace()))
		cancel()
		if err != nil {
			return domain.ValidationResult{}, err
		}
		if updated == nil {
			// lost a race with revocation or expiry
			res, err := m.reasonFor(ctx, s.ID, now)
			m.countValidation(res)
			return res, err
		}
		s = updated
	}

	state := m.Evaluate(s, now)
	if state == domain.SessionWarned {
		m.warnExpiring(s, now)
	}
	metrics.SessionOutcomesTotal.WithLabelValues("validate", "ok").Inc()
	return domain.ValidationResult{Valid: true, Session: domain.NewSessionContext(s, state)}, nil
}

// Refresh extends a session that is close to expiry. token may be the
// refresh token or the access handle. Owner and binding never change.
func (m *Manager) Refresh(ctx context.Context, token string, opts domain.ValidateOptions) (domain.ValidationResult, error) {
	s, err := m.find(ctx, token, m.store.FindByRefreshHash)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if s == nil {
		if s, err = m.find(ctx, token, m.store.FindByAccessHash); err != nil {
			return domain.ValidationResult{}, err
		}
	}
	res, s, err := m.check(ctx, s, opts)
	if err != nil || !res.Valid {
		return res, err
	}

	now := m.Now().UTC()
	if s.ExpiresAt.Sub(now) >= m.cfg.RefreshThreshold {
		return domain.Invalid(domain.ReasonNotRefreshable), nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	updated, err := m.store.Extend(storeCtx, s.ID, now.Add(m.cfg.SessionDuration), now)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if updated == nil {
		res, err := m.reasonFor(ctx, s.ID, now)
		if err == nil && res.Valid {
			// a concurrent refresh already moved expiry past ours
			return domain.Invalid(domain.ReasonNotRefreshable), nil
		}
		return res, err
	}

	metrics.SessionOutcomesTotal.WithLabelValues("refresh", "ok").Inc()
	m.audit.LogEvent(ctx, domain.EventSessionRefreshed, domain.OutcomeSuccess,
		map[string]time.Time{"previous_expiry": s.ExpiresAt, "expires_at": updated.ExpiresAt}, m.logOpts(updated, ""))
	return domain.ValidationResult{Valid: true, Session: domain.NewSessionContext(updated, m.Evaluate(updated, now))}, nil
}

// Revoke ends a session. Revoking twice keeps the first reason and time.
func (m *Manager) Revoke(ctx context.Context, id uuid.UUID, reason string) error {
	now := m.Now().UTC()
	storeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	s, err := m.store.Revoke(storeCtx, id, reason, now)
	if err != nil {
		return err
	}
	if s == nil {
		return domain.ErrNotFound("session", id.String())
	}
	if s.RevokedAt != nil && s.RevokedAt.Equal(now) && s.RevokeReason == reason {
		metrics.SessionOutcomesTotal.WithLabelValues("revoke", reason).Inc()
		m.audit.LogEvent(ctx, domain.EventSessionRevoked, domain.OutcomeSuccess,
			map[string]string{"reason": reason}, m.logOpts(s, ""))
		m.logger.Info("session revoked", "session_id", id, "owner_id", s.OwnerID, "reason", reason)
	}
	return nil
}

// SignOut revokes the session identified by handle.
func (m *Manager) SignOut(ctx context.Context, handle, reason string) error {
	if reason == "" {
		reason = domain.RevokeSignOut
	}
	s, err := m.find(ctx, handle, m.store.FindByAccessHash)
	if err != nil {
		return err
	}
	if s == nil {
		return domain.ErrNotFound("session", "")
	}
	return m.Revoke(ctx, s.ID, reason)
}

// RevokeAll revokes every active session of an owner and returns how many
// were active.
func (m *Manager) RevokeAll(ctx context.Context, ownerID, reason string) (int, error) {
	if reason == "" {
		reason = domain.RevokeAdministrative
	}
	active, err := infra.RetryRead(ctx, m.cfg.StoreRetries, m.cfg.StoreTimeout,
		func(ctx context.Context) ([]domain.Session, error) {
			now := m.Now().UTC()
			return m.store.ListActiveByOwner(ctx, ownerID, now, now.Add(-m.idleGrace()))
		})
	if err != nil {
		return 0, err
	}
	for _, s := range active {
		if err := m.Revoke(ctx, s.ID, reason); err != nil {
			return 0, fmt.Errorf("revoke session %s: %w", s.ID, err)
		}
	}
	return len(active), nil
}

// check applies the terminal-state and binding rules shared by Validate and Refresh.
func (m *Manager) check(ctx context.Context, s *domain.Session, opts domain.ValidateOptions) (domain.ValidationResult, *domain.Session, error) {
	if s == nil {
		return domain.Invalid(domain.ReasonNotFound), nil, nil
	}
	now := m.Now().UTC()
	switch m.Evaluate(s, now) {
	case domain.SessionRevoked:
		return domain.Invalid(domain.ReasonRevoked), s, nil
	case domain.SessionExpired:
		return domain.Invalid(domain.ReasonExpired), s, nil
	}

	bc := m.cfg.Policy.Binding.Check(s.Binding, opts.IP, opts.ClientSignature, opts.DeviceID)
	if !bc.Allowed {
		m.audit.LogEvent(ctx, domain.EventSessionSuspect, domain.OutcomeFailure, bc, m.logOpts(s, opts.IP, opts.ClientSignature))
		m.notifier.Emit(domain.Warning{
			Kind:      domain.WarningSuspiciousActivity,
			SessionID: s.ID,
			OwnerID:   s.OwnerID,
			Message:   "session presented from a different origin and was revoked",
			At:        now,
		})
		if err := m.Revoke(ctx, s.ID, domain.RevokeOriginMismatch); err != nil {
			return domain.ValidationResult{}, nil, err
		}
		return domain.Invalid(domain.ReasonOriginMismatch), s, nil
	}
	if bc.IPChanged {
		m.audit.LogEvent(ctx, domain.EventSessionSuspect, domain.OutcomeSuccess, bc, m.logOpts(s, opts.IP, opts.ClientSignature))
		m.notifier.Emit(domain.Warning{
			Kind:      domain.WarningLocationChange,
			SessionID: s.ID,
			OwnerID:   s.OwnerID,
			Message:   "session used from a new network location",
			At:        now,
		})
	}
	return domain.ValidationResult{Valid: true}, s, nil
}

// reasonFor re-reads a session after a conditional update did not apply.
func (m *Manager) reasonFor(ctx context.Context, id uuid.UUID, now time.Time) (domain.ValidationResult, error) {
	s, err := infra.RetryRead(ctx, m.cfg.StoreRetries, m.cfg.StoreTimeout,
		func(ctx context.Context) (*domain.Session, error) { return m.store.FindByID(ctx, id) })
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if s == nil {
		return domain.Invalid(domain.ReasonNotFound), nil
	}
	switch m.Evaluate(s, now) {
	case domain.SessionRevoked:
		return domain.Invalid(domain.ReasonRevoked), nil
	case domain.SessionExpired:
		return domain.Invalid(domain.ReasonExpired), nil
	}
	return domain.ValidationResult{Valid: true, Session: domain.NewSessionContext(s, m.Evaluate(s, now))}, nil
}

func (m *Manager) find(ctx context.Context, token string, lookup func(context.Context, string) (*domain.Session, error)) (*domain.Session, error) {
	if token == "" {
		return nil, nil
	}
	hash := HashToken(token)
	return infra.RetryRead(ctx, m.cfg.StoreRetries, m.cfg.StoreTimeout,
		func(ctx context.Context) (*domain.Session, error) { return lookup(ctx, hash) })
}

// warnExpiring emits expiring_soon once per session expiry.
func (m *Manager) warnExpiring(s *domain.Session, now time.Time) {
	key := s.ID.String() + "@" + s.ExpiresAt.Format(time.RFC3339Nano)
	if ok, _ := m.warned.ContainsOrAdd(key, struct{}{}); ok {
		return
	}
	m.notifier.Emit(domain.Warning{
		Kind:      domain.WarningExpiringSoon,
		SessionID: s.ID,
		OwnerID:   s.OwnerID,
		Message:   "session is about to expire",
		ExpiresAt: s.ExpiresAt,
		At:        now,
	})
}

func (m *Manager) idleGrace() time.Duration {
	return m.cfg.ActivityTimeout + m.cfg.WarningThreshold
}

func (m *Manager) countValidation(res domain.ValidationResult) {
	if res.Valid {
		return
	}
	metrics.SessionOutcomesTotal.WithLabelValues("validate", string(res.Reason)).Inc()
}

func (m *Manager) logOpts(s *domain.Session, ip string, signature ...string) risk.LogOptions {
	origin := domain.Origin{IP: s.Binding.IP, ClientSignature: s.Binding.ClientSignature}
	if ip != "" {
		origin.IP = ip
	}
	if len(signature) > 0 && signature[0] != "" {
		origin.ClientSignature = signature[0]
	}
	id := s.ID
	return risk.LogOptions{
		ActorID:     s.OwnerID,
		SessionID:   &id,
		Origin:      origin,
		ResourceRef: "session:" + s.ID.String(),
	}
}

// HashToken returns the hex SHA-256 of a handle or refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
