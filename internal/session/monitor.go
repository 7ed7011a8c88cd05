package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/snapshot"
)

// Client is the session API the Monitor drives. *Manager implements it
// in-process; the session agent uses an HTTP implementation.
type Client interface {
	Validate(ctx context.Context, handle string, opts domain.ValidateOptions) (domain.ValidationResult, error)
	Refresh(ctx context.Context, token string, opts domain.ValidateOptions) (domain.ValidationResult, error)
	SignOut(ctx context.Context, handle, reason string) error
}

// Watcher decides when the Monitor re-checks the current session.
type Watcher interface {
	Watch(ctx context.Context, check func(context.Context))
}

// PollingWatcher re-checks on a fixed interval until ctx is cancelled.
type PollingWatcher struct {
	Interval time.Duration
}

func (w PollingWatcher) Watch(ctx context.Context, check func(context.Context)) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check(ctx)
		}
	}
}

// Monitor tracks the locally held current session. It re-validates the
// snapshot on the watcher's schedule, emits each state transition once and
// forgets the session when it reaches a terminal state.
type Monitor struct {
	client   Client
	store    snapshot.Store
	notifier *Notifier
	watcher  Watcher
	logger   *slog.Logger

	mu          sync.Mutex
	state       domain.SessionState
	transitions []func(domain.SessionState)
}

// NewMonitor creates a Monitor. A nil watcher defaults to a 60s PollingWatcher.
func NewMonitor(client Client, store snapshot.Store, notifier *Notifier, watcher Watcher, logger *slog.Logger) *Monitor {
	if watcher == nil {
		watcher = PollingWatcher{Interval: time.Minute}
	}
	return &Monitor{
		client:   client,
		store:    store,
		notifier: notifier,
		watcher:  watcher,
		logger:   logger,
	}
}

// Adopt makes sc the current session. sc must carry the raw tokens
// returned by Create.
func (m *Monitor) Adopt(ctx context.Context, sc *domain.SessionContext, opts domain.ValidateOptions) error {
	if sc == nil || sc.Token == "" {
		return domain.ErrValidation("session token is required")
	}
	opts.RequireActivityCheck = false
	if err := snapshot.SaveSession(ctx, m.store, snapshot.SessionSnapshot{
		SessionID:    sc.SessionID,
		OwnerID:      sc.OwnerID,
		Token:        sc.Token,
		RefreshToken: sc.RefreshToken,
		Options:      opts,
		ExpiresAt:    sc.ExpiresAt,
		State:        sc.State,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = sc.State
	m.mu.Unlock()
	m.logger.Info("session adopted", "session_id", sc.SessionID, "expires_at", sc.ExpiresAt)
	return nil
}

// Run blocks, checking the current session whenever the watcher fires.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("session monitor started")
	m.watcher.Watch(ctx, func(ctx context.Context) {
		if _, err := m.Check(ctx); err != nil {
			m.logger.Warn("session check failed", "error", err)
		}
	})
	m.logger.Info("session monitor stopped")
}

// Check re-validates the current session without counting as activity.
func (m *Monitor) Check(ctx context.Context) (domain.ValidationResult, error) {
	return m.validate(ctx, false)
}

// Validate re-validates the current session and records activity.
func (m *Monitor) Validate(ctx context.Context) (domain.ValidationResult, error) {
	return m.validate(ctx, true)
}

// Refresh extends the current session if it is close to expiry.
func (m *Monitor) Refresh(ctx context.Context) (domain.ValidationResult, error) {
	snap, err := m.current(ctx)
	if err != nil || snap == nil {
		return domain.Invalid(domain.ReasonNotFound), err
	}
	token := snap.RefreshToken
	if token == "" {
		token = snap.Token
	}
	res, err := m.client.Refresh(ctx, token, snap.Options)
	if err != nil {
		return res, err
	}
	return res, m.apply(ctx, snap, res)
}

// SignOut revokes the current session and clears the snapshot.
func (m *Monitor) SignOut(ctx context.Context) error {
	snap, err := m.current(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if err := m.client.SignOut(ctx, snap.Token, domain.RevokeSignOut); err != nil && !domain.HasCode(err, domain.CodeNotFound) {
		return err
	}
	if err := snapshot.ClearSession(ctx, m.store); err != nil {
		return err
	}
	m.transition(snap, domain.SessionRevoked)
	return nil
}

// OnWarning subscribes to warnings raised by the monitor.
func (m *Monitor) OnWarning(cb func(domain.Warning)) func() {
	return m.notifier.OnWarning(cb)
}

// OnTransition subscribes to state changes of the current session.
func (m *Monitor) OnTransition(cb func(domain.SessionState)) {
	m.mu.Lock()
	m.transitions = append(m.transitions, cb)
	m.mu.Unlock()
}

// State returns the last observed state, or "" when no session is held.
func (m *Monitor) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) validate(ctx context.Context, activity bool) (domain.ValidationResult, error) {
	snap, err := m.current(ctx)
	if err != nil || snap == nil {
		return domain.Invalid(domain.ReasonNotFound), err
	}
	opts := snap.Options
	opts.RequireActivityCheck = activity
	res, err := m.client.Validate(ctx, snap.Token, opts)
	if err != nil {
		return res, err
	}
	return res, m.apply(ctx, snap, res)
}

func (m *Monitor) current(ctx context.Context) (*snapshot.SessionSnapshot, error) {
	snap, err := snapshot.LoadSession(ctx, m.store)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, nil
	}
	return snap, err
}

// apply folds a validation result into the snapshot.
func (m *Monitor) apply(ctx context.Context, snap *snapshot.SessionSnapshot, res domain.ValidationResult) error {
	if res.Valid && res.Session != nil {
		snap.ExpiresAt = res.Session.ExpiresAt
		snap.State = res.Session.State
		if err := snapshot.SaveSession(ctx, m.store, *snap); err != nil {
			return err
		}
		m.transition(snap, res.Session.State)
		return nil
	}

	switch res.Reason {
	case domain.ReasonNotRefreshable:
		return nil
	case domain.ReasonRevoked, domain.ReasonOriginMismatch:
		m.transition(snap, domain.SessionRevoked)
	default:
		m.transition(snap, domain.SessionExpired)
	}
	return snapshot.ClearSession(ctx, m.store)
}

// transition records to and notifies subscribers once per change.
func (m *Monitor) transition(snap *snapshot.SessionSnapshot, to domain.SessionState) {
	m.mu.Lock()
	if m.state == to {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = to
	subs := slices.Clone(m.transitions)
	m.mu.Unlock()

	m.logger.Info("session state changed", "session_id", snap.SessionID, "from", from, "to", to)
	if to == domain.SessionWarned && !m.clientWarns() {
		m.notifier.Emit(domain.Warning{
			Kind:      domain.WarningExpiringSoon,
			SessionID: snap.SessionID,
			OwnerID:   snap.OwnerID,
			Message:   "session is about to expire",
			ExpiresAt: snap.ExpiresAt,
			At:        time.Now().UTC(),
		})
	}
	for _, cb := range subs {
		cb(to)
	}
}

// clientWarns reports whether the client already emits expiring_soon
// warnings into the Monitor's notifier.
func (m *Monitor) clientWarns() bool {
	src, ok := m.client.(interface{ Notifier() *Notifier })
	return ok && m.notifier != nil && src.Notifier() == m.notifier
}
