package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/attaboy/authrisk/internal/device"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/guard"
	"github.com/attaboy/authrisk/internal/mfa"
	"github.com/attaboy/authrisk/internal/policy"
	"github.com/attaboy/authrisk/internal/repository"
	"github.com/attaboy/authrisk/internal/risk"
	"github.com/attaboy/authrisk/internal/session"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// AuditLogger records authentication events. Implemented by *risk.Scorer.
type AuditLogger interface {
	LogEvent(ctx context.Context, eventType domain.EventType, outcome domain.Outcome, data interface{}, opts risk.LogOptions) uuid.UUID
}

// AuthService runs registration and the risk-adaptive login flow.
type AuthService struct {
	identity IdentityBackend
	owners   repository.OwnerRepository
	lockout  *guard.Lockout
	assessor *device.Assessor
	mfa      *mfa.Coordinator
	sessions *session.Manager
	binding  policy.BindingMode
	audit    AuditLogger
	pending  *expirable.LRU[uuid.UUID, *domain.DeviceFingerprint]
	logger   *slog.Logger
}

// AuthDeps are the collaborators of an AuthService.
type AuthDeps struct {
	Identity IdentityBackend
	Owners   repository.OwnerRepository
	Lockout  *guard.Lockout
	Assessor *device.Assessor
	MFA      *mfa.Coordinator
	Sessions *session.Manager
	Binding  policy.BindingMode
	Audit    AuditLogger
}

// NewAuthService creates a new AuthService. challengeTTL bounds how long a
// pending login's fingerprint is kept while the owner completes MFA.
func NewAuthService(d AuthDeps, challengeTTL time.Duration, logger *slog.Logger) *AuthService {
	return &AuthService{
		identity: d.Identity,
		owners:   d.Owners,
		lockout:  d.Lockout,
		assessor: d.Assessor,
		mfa:      d.MFA,
		sessions: d.Sessions,
		binding:  d.Binding,
		audit:    d.Audit,
		pending:  expirable.NewLRU[uuid.UUID, *domain.DeviceFingerprint](4096, nil, challengeTTL),
		logger:   logger,
	}
}

// Client describes the device and request a login comes from.
type Client struct {
	Origin    domain.Origin          `json:"-"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Signals   domain.ClientSignals   `json:"signals"`
	Behavior  domain.BehaviorSignals `json:"behavior"`
	ProxyHint bool                   `json:"proxy_hint,omitempty"`
	GeoRisk   float64                `json:"geo_risk,omitempty"`
}

func (c Client) assessment() domain.AssessmentContext {
	return domain.AssessmentContext{
		Origin:    c.Origin,
		Signals:   c.Signals,
		Behavior:  c.Behavior,
		ProxyHint: c.ProxyHint,
		GeoRisk:   c.GeoRisk,
	}
}

func (c Client) binding() domain.Binding {
	return domain.Binding{IP: c.Origin.IP, ClientSignature: c.Origin.ClientSignature, DeviceID: c.DeviceID}
}

// RegisterInput holds the registration request fields.
type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Client
}

// LoginInput holds the login request fields.
type LoginInput struct {
	Email        string             `json:"email"`
	Password     string             `json:"password"`
	PreferredMFA *domain.DeviceType `json:"preferred_mfa,omitempty"`
	Client
}

// LoginStatus is the outcome of a login step.
type LoginStatus string

const (
	LoginAuthenticated LoginStatus = "authenticated"
	LoginMFARequired   LoginStatus = "mfa_required"
)

// LoginResult is returned by Register, Login and CompleteMFALogin.
type LoginResult struct {
	Status     LoginStatus            `json:"status"`
	OwnerID    uuid.UUID              `json:"owner_id"`
	Session    *domain.SessionContext `json:"session,omitempty"`
	Challenge  *domain.ChallengeInfo  `json:"challenge,omitempty"`
	Assessment *domain.RiskAssessment `json:"assessment,omitempty"`
}

// Register creates an owner and signs them in on the registering device.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*LoginResult, error) {
	owner, err := s.identity.Register(ctx, in.Email, in.Password)
	if err != nil {
		return nil, err
	}
	ownerID := owner.ID.String()
	s.audit.LogEvent(ctx, domain.EventSignUp, domain.OutcomeSuccess, nil,
		risk.LogOptions{ActorID: ownerID, Origin: in.Origin, Action: "register"})

	sc, err := s.sessions.Create(ctx, session.CreateInput{OwnerID: ownerID, Role: owner.Role, Binding: in.binding()})
	if err != nil {
		return nil, err
	}
	fp := s.assessor.Fingerprint(ctx, in.Signals)
	if err := s.assessor.Remember(ctx, ownerID, fp); err != nil {
		s.logger.Warn("remember device failed", "owner_id", ownerID, "error", err)
	}
	s.logger.Info("owner registered", "owner_id", ownerID)
	return &LoginResult{Status: LoginAuthenticated, OwnerID: owner.ID, Session: sc}, nil
}

// Login verifies credentials, assesses the device and either opens a
// session, requires an MFA challenge, or denies the attempt.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	known, err := s.owners.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if known != nil {
		if err := s.lockout.CheckLocked(ctx, known.ID.String()); err != nil {
			s.audit.LogEvent(ctx, domain.EventLoginDenied, domain.OutcomeFailure, map[string]string{"reason": "locked"},
				risk.LogOptions{ActorID: known.ID.String(), Origin: in.Origin, Action: "login"})
			return nil, err
		}
	}

	owner, err := s.identity.Authenticate(ctx, in.Email, in.Password)
	if err != nil {
		if domain.HasCode(err, domain.CodeUnauthorized) {
			actor := ""
			if known != nil {
				actor = known.ID.String()
			}
			s.audit.LogEvent(ctx, domain.EventSignIn, domain.OutcomeFailure, map[string]string{"reason": "invalid_credentials"},
				risk.LogOptions{ActorID: actor, Origin: in.Origin, Action: "login"})
		}
		return nil, err
	}
	ownerID := owner.ID.String()
	opts := risk.LogOptions{ActorID: ownerID, Origin: in.Origin, Action: "login"}

	fp := s.assessor.Fingerprint(ctx, in.Signals)
	ra := s.assessor.Assess(ctx, ownerID, fp, in.assessment(), "login")
	result := &LoginResult{OwnerID: owner.ID, Assessment: &ra}

	if ra.Recommendation == domain.RecommendBlock {
		s.audit.LogEvent(ctx, domain.EventLoginDenied, domain.OutcomeFailure, ra, opts)
		s.logger.Warn("login blocked", "owner_id", ownerID, "score", ra.Score, "factors", ra.Factors)
		return nil, domain.ErrLoginDenied("login denied")
	}

	if owner.MFAEnabled || ra.Recommendation == domain.RecommendChallenge {
		info, err := s.mfa.CreateChallenge(ctx, ownerID, in.PreferredMFA, domain.ChallengeMetadata{
			IP:              in.Origin.IP,
			ClientSignature: in.Origin.ClientSignature,
			DeviceID:        in.DeviceID,
			Purpose:         domain.PurposeLogin,
		})
		switch {
		case err == nil:
			s.pending.Add(info.ChallengeID, fp)
			result.Status = LoginMFARequired
			result.Challenge = info
			return result, nil
		case domain.HasCode(err, domain.CodeNotFound) && !owner.MFAEnabled:
			// nothing enrolled to step up with
			s.audit.LogEvent(ctx, domain.EventSignIn, domain.OutcomeSuccess,
				map[string]interface{}{"step_up_unavailable": true, "assessment": ra}, opts)
		default:
			return nil, err
		}
	} else {
		s.audit.LogEvent(ctx, domain.EventSignIn, domain.OutcomeSuccess, map[string]interface{}{"assessment": ra}, opts)
	}

	sc, err := s.sessions.Create(ctx, session.CreateInput{OwnerID: ownerID, Role: owner.Role, Binding: in.binding()})
	if err != nil {
		return nil, err
	}
	if err := s.assessor.Remember(ctx, ownerID, fp); err != nil {
		s.logger.Warn("remember device failed", "owner_id", ownerID, "error", err)
	}
	result.Status = LoginAuthenticated
	result.Session = sc
	return result, nil
}

// CompleteMFALogin verifies the login challenge and opens an MFA-verified
// session bound to the origin the challenge was issued to.
func (s *AuthService) CompleteMFALogin(ctx context.Context, challengeID uuid.UUID, code string, client Client) (*LoginResult, error) {
	res, err := s.mfa.VerifyChallenge(ctx, challengeID, code)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if res.OwnerID != "" {
			s.audit.LogEvent(ctx, domain.EventSignIn, domain.OutcomeFailure, map[string]string{"reason": string(res.Failure)},
				risk.LogOptions{ActorID: res.OwnerID, Origin: client.Origin, Action: "login"})
		}
		return nil, res.Err()
	}

	bound := domain.Binding{IP: res.Metadata.IP, ClientSignature: res.Metadata.ClientSignature, DeviceID: res.Metadata.DeviceID}
	if check := s.binding.Check(bound, client.Origin.IP, client.Origin.ClientSignature, client.DeviceID); !check.Allowed {
		s.audit.LogEvent(ctx, domain.EventSignIn, domain.OutcomeFailure, check,
			risk.LogOptions{ActorID: res.OwnerID, Origin: client.Origin, Action: "login"})
		return nil, domain.ErrBindingMismatch("challenge completed from a different origin")
	}

	owner, err := s.owners.FindByID(ctx, res.OwnerID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, domain.ErrNotFound("owner", res.OwnerID)
	}

	sc, err := s.sessions.Create(ctx, session.CreateInput{OwnerID: res.OwnerID, Role: owner.Role, Binding: bound, MFAVerified: true})
	if err != nil {
		return nil, err
	}
	if fp, ok := s.pending.Get(challengeID); ok {
		s.pending.Remove(challengeID)
		if err := s.assessor.Remember(ctx, res.OwnerID, fp); err != nil {
			s.logger.Warn("remember device failed", "owner_id", res.OwnerID, "error", err)
		}
	}
	s.audit.LogEvent(ctx, domain.EventSignIn, domain.OutcomeSuccess, map[string]bool{"mfa": true},
		risk.LogOptions{ActorID: res.OwnerID, SessionID: &sc.SessionID, Origin: client.Origin, Action: "login"})
	return &LoginResult{Status: LoginAuthenticated, OwnerID: owner.ID, Session: sc}, nil
}
