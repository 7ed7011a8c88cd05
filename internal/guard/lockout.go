package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/repository"
)

const (
	DefaultMaxAttempts   = 5
	DefaultLockoutWindow = 15 * time.Minute
)

// Lockout blocks sign-in for an owner after repeated failures. Failures are
// read from the audit trail, so every failed auth.signin record counts.
type Lockout struct {
	audit       repository.AuditRepository
	maxAttempts int
	window      time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewLockout creates a lockout guard. Non-positive limits fall back to defaults.
func NewLockout(audit repository.AuditRepository, maxAttempts int, window time.Duration, logger *slog.Logger) *Lockout {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	return &Lockout{
		audit:       audit,
		maxAttempts: maxAttempts,
		window:      window,
		timeout:     2 * time.Second,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the guard's time source.
func (l *Lockout) WithClock(now func() time.Time) *Lockout {
	l.now = now
	return l
}

// CheckLocked returns ErrAccountLocked if the owner has at least maxAttempts
// failed sign-ins within the window. Store errors fail open.
func (l *Lockout) CheckLocked(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.audit.CountFailures(ctx, ownerID, domain.EventSignIn, l.now().Add(-l.window))
	if err != nil {
		l.logger.Warn("lockout check failed, allowing sign-in", "owner_id", ownerID, "error", err)
		return nil
	}
	if count >= l.maxAttempts {
		return domain.ErrAccountLocked("too many failed login attempts, try again later")
	}
	return nil
}
