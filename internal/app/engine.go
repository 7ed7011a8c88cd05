// Package app assembles the risk engine from configuration and stores.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/device"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/guard"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/mfa"
	"github.com/attaboy/authrisk/internal/notify"
	"github.com/attaboy/authrisk/internal/repository"
	"github.com/attaboy/authrisk/internal/repository/memory"
	"github.com/attaboy/authrisk/internal/risk"
	"github.com/attaboy/authrisk/internal/service"
	"github.com/attaboy/authrisk/internal/session"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Stores bundles the repositories the engine persists to.
type Stores struct {
	Audit        repository.AuditRepository
	Sessions     repository.SessionRepository
	Devices      repository.MFADeviceRepository
	Challenges   repository.ChallengeRepository
	Fingerprints repository.FingerprintRepository
	Owners       repository.OwnerRepository
}

// MemoryStores returns process-local stores for development and tests.
func MemoryStores() Stores {
	return Stores{
		Audit:        memory.NewAuditStore(),
		Sessions:     memory.NewSessionStore(),
		Devices:      memory.NewDeviceStore(),
		Challenges:   memory.NewChallengeStore(),
		Fingerprints: memory.NewFingerprintStore(),
		Owners:       memory.NewOwnerStore(),
	}
}

// PostgresStores returns stores backed by pool. Security events and session
// revocations are written to the outbox in the same transaction.
func PostgresStores(pool *pgxpool.Pool, outbox repository.OutboxRepository) Stores {
	return Stores{
		Audit:        repository.NewPgAuditRepository(pool, outbox),
		Sessions:     repository.NewPgSessionRepository(pool, outbox),
		Devices:      repository.NewPgMFADeviceRepository(pool),
		Challenges:   repository.NewPgChallengeRepository(pool),
		Fingerprints: repository.NewPgFingerprintRepository(pool),
		Owners:       repository.NewPgOwnerRepository(pool),
	}
}

// Deps holds everything NewEngine needs.
type Deps struct {
	Config *infra.Config
	Stores Stores
	// Dispatcher delivers out-of-band codes. Nil logs them instead.
	Dispatcher notify.Dispatcher
	// Identity verifies credentials. Nil uses the bundled password backend.
	Identity service.IdentityBackend
	Logger   *slog.Logger
}

// Engine is the assembled risk engine. It is built once and owns every
// component; there is no package-level state besides metrics.
type Engine struct {
	Config   *infra.Config
	Stores   Stores
	Signer   *auth.HandleSigner
	Analyzer *risk.Analyzer
	Scorer   *risk.Scorer
	Notifier *session.Notifier
	Sessions *session.Manager
	Pruner   *session.Pruner
	MFA      *mfa.Coordinator
	Assessor *device.Assessor
	Auth     *service.AuthService
	Hub      *infra.WSHub
	Logger   *slog.Logger

	unsubscribe func()
}

// NewEngine wires the components together.
func NewEngine(d Deps) (*Engine, error) {
	cfg, logger, st := d.Config, d.Logger, d.Stores
	pol, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	sealKey, err := cfg.SealKey()
	if err != nil {
		return nil, domain.ErrConfiguration(err.Error())
	}
	sealer, err := mfa.NewSealer(sealKey)
	if err != nil {
		return nil, fmt.Errorf("create sealer: %w", err)
	}

	e := &Engine{Config: cfg, Stores: st, Logger: logger}
	e.Signer = auth.NewHandleSigner(cfg.SigningKey)

	e.Analyzer = risk.NewAnalyzer(st.Audit, risk.AnalyzerConfig{
		Location:     cfg.Location(),
		QueryTimeout: cfg.StoreTimeout,
		Retries:      cfg.StoreRetries,
	}, logger)
	e.Scorer = risk.NewScorer(e.Analyzer, st.Audit, guard.NewIdempotencyGuard(24*time.Hour), risk.ScorerConfig{
		EscalationThreshold: cfg.EscalationThreshold,
		StoreTimeout:        cfg.StoreTimeout,
	}, logger)

	e.Notifier = session.NewNotifier(logger)
	e.Sessions = session.NewManager(st.Sessions, e.Signer, e.Scorer, e.Notifier, session.Config{
		SessionDuration:  cfg.SessionDuration,
		ActivityTimeout:  cfg.ActivityTimeout,
		WarningThreshold: cfg.WarningThreshold,
		RefreshThreshold: cfg.RefreshThreshold,
		Policy:           pol,
		StoreTimeout:     cfg.StoreTimeout,
		StoreRetries:     cfg.StoreRetries,
	}, logger)
	e.Pruner = session.NewPruner(st.Sessions, st.Challenges, cfg.PruneInterval, cfg.PruneRetention, logger)

	dispatcher := d.Dispatcher
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(logger)
	}
	e.MFA = mfa.NewCoordinator(mfa.Deps{
		Devices:    st.Devices,
		Challenges: st.Challenges,
		Owners:     st.Owners,
		Dispatcher: notify.NewGuardedDispatcher(dispatcher, guard.NewCircuitBreaker(5, 30*time.Second), cfg.DispatchTimeout, logger),
		Sealer:     sealer,
		CodeKey:    cfg.HMACKey(),
		Limiter:    guard.NewRateLimiter(cfg.ChallengeRateLimit, cfg.ChallengeRateWindow),
		Audit:      e.Scorer,
	}, mfa.Config{
		ChallengeTTL:      cfg.ChallengeTTL,
		ChallengeAttempts: cfg.ChallengeAttempts,
		Issuer:            cfg.TOTPIssuer,
		StoreTimeout:      cfg.StoreTimeout,
		StoreRetries:      cfg.StoreRetries,
		BcryptCost:        cfg.BcryptCost,
	}, logger)

	e.Assessor, err = device.NewAssessor(st.Fingerprints, device.NewGenerator(nil, 0), device.AssessorConfig{
		CacheSize:    cfg.FingerprintCache,
		Location:     cfg.Location(),
		StoreTimeout: cfg.StoreTimeout,
		StoreRetries: cfg.StoreRetries,
	}, logger)
	if err != nil {
		return nil, err
	}

	identity := d.Identity
	if identity == nil {
		identity = service.NewPasswordBackend(st.Owners, cfg.BcryptCost)
	}
	e.Auth = service.NewAuthService(service.AuthDeps{
		Identity: identity,
		Owners:   st.Owners,
		Lockout:  guard.NewLockout(st.Audit, cfg.LockoutThreshold, cfg.LockoutWindow, logger),
		Assessor: e.Assessor,
		MFA:      e.MFA,
		Sessions: e.Sessions,
		Binding:  pol.Binding,
		Audit:    e.Scorer,
	}, cfg.ChallengeTTL, logger)

	e.Hub = infra.NewWSHub(logger, nil)
	e.unsubscribe = e.Notifier.OnWarning(func(w domain.Warning) {
		e.Hub.PublishToOwner(w.OwnerID, "session."+string(w.Kind), w)
	})
	return e, nil
}

// Start launches background maintenance until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.Pruner.Start(ctx)
}

// Close detaches the warning stream and waits for pending audit writes.
func (e *Engine) Close(ctx context.Context) {
	e.unsubscribe()
	e.Hub.Shutdown(ctx)
	e.Scorer.Wait()
}
