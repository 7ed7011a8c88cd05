package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/attaboy/authrisk/internal/repository"
)

// Pruner deletes sessions that ended more than retention ago and MFA
// challenges past their expiry.
type Pruner struct {
	sessions   repository.SessionRepository
	challenges repository.ChallengeRepository
	interval   time.Duration
	retention  time.Duration
	logger     *slog.Logger
	Now        func() time.Time
}

// NewPruner creates a Pruner.
func NewPruner(sessions repository.SessionRepository, challenges repository.ChallengeRepository, interval, retention time.Duration, logger *slog.Logger) *Pruner {
	return &Pruner{
		sessions:   sessions,
		challenges: challenges,
		interval:   interval,
		retention:  retention,
		logger:     logger,
		Now:        time.Now,
	}
}

// Start runs PruneOnce on every tick in a goroutine until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	p.logger.Info("pruner started", "interval", p.interval, "retention", p.retention)

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("pruner stopped")
				return
			case <-ticker.C:
				if _, _, err := p.PruneOnce(ctx); err != nil {
					p.logger.Error("prune error", "error", err)
				}
			}
		}
	}()
}

// PruneOnce runs a single pass and returns how many rows were removed.
func (p *Pruner) PruneOnce(ctx context.Context) (sessions, challenges int64, err error) {
	now := p.Now().UTC()
	sessions, err = p.sessions.DeleteExpiredBefore(ctx, now.Add(-p.retention))
	if err != nil {
		return 0, 0, err
	}
	challenges, err = p.challenges.DeleteExpiredBefore(ctx, now)
	if err != nil {
		return sessions, 0, err
	}
	if sessions > 0 || challenges > 0 {
		p.logger.Info("pruned expired rows", "sessions", sessions, "challenges", challenges)
	}
	return sessions, challenges, nil
}
