// Package risk scores security-relevant events from their type and the
// activity history around them, and persists the scored audit trail.
package risk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/metrics"
	"github.com/attaboy/authrisk/internal/repository"
	"golang.org/x/sync/errgroup"
)

// Analysis windows and thresholds.
const (
	RapidWindow     = 5 * time.Minute
	RapidThreshold  = 5
	NewOriginWindow = 24 * time.Hour
	FailureWindow   = 60 * time.Minute
	OffHoursStart   = 6  // first business hour
	OffHoursEnd     = 22 // last business hour
)

// automationPatterns are lowercase substrings of client signatures sent by
// scripted clients rather than browsers.
var automationPatterns = []string{
	"bot", "crawler", "spider", "curl", "wget", "python-requests", "headless",
	"phantomjs", "selenium", "puppeteer", "playwright", "go-http-client",
	"scrapy", "httpclient", "java/", "libwww",
}

// AnalyzerConfig tunes the activity analyzer.
type AnalyzerConfig struct {
	Location     *time.Location
	QueryTimeout time.Duration
	Retries      int
}

// Analyzer derives contextual risk factors from recent audit history.
type Analyzer struct {
	audit  repository.AuditRepository
	cfg    AnalyzerConfig
	logger *slog.Logger
	Now    func() time.Time
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(audit repository.AuditRepository, cfg AnalyzerConfig, logger *slog.Logger) *Analyzer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &Analyzer{audit: audit, cfg: cfg, logger: logger, Now: time.Now}
}

// DeriveFactors computes the history-based factors for an event. Queries run
// concurrently; any query that fails contributes its neutral value.
func (a *Analyzer) DeriveFactors(ctx context.Context, actorID string, origin domain.Origin, eventType domain.EventType) domain.RiskFactors {
	now := a.Now()
	f := domain.RiskFactors{
		SuspiciousClient: IsSuspiciousSignature(origin.ClientSignature),
		OffHours:         a.IsOffHours(now),
	}

	var g errgroup.Group
	if origin.IP != "" {
		g.Go(func() error {
			n, ok := a.count(ctx, "rapid_requests", func(ctx context.Context) (int, error) {
				return a.audit.CountByIP(ctx, origin.IP, now.Add(-RapidWindow))
			})
			f.RapidRequests = ok && n > RapidThreshold
			return nil
		})
	}
	if actorID != "" && origin.IP != "" {
		g.Go(func() error {
			n, ok := a.count(ctx, "new_origin", func(ctx context.Context) (int, error) {
				return a.audit.CountByActorAndIP(ctx, actorID, origin.IP, now.Add(-NewOriginWindow))
			})
			f.NewOrigin = ok && n == 0
			return nil
		})
	}
	if actorID != "" {
		g.Go(func() error {
			n, ok := a.count(ctx, "failed_attempts", func(ctx context.Context) (int, error) {
				return a.audit.CountFailures(ctx, actorID, domain.EventSignIn, now.Add(-FailureWindow))
			})
			if ok {
				f.FailedAttempts = n
			}
			return nil
		})
	}
	_ = g.Wait()

	return f
}

// IsOffHours reports whether t falls outside business hours in the
// configured location.
func (a *Analyzer) IsOffHours(t time.Time) bool {
	h := t.In(a.cfg.Location).Hour()
	return h < OffHoursStart || h > OffHoursEnd
}

func (a *Analyzer) count(ctx context.Context, factor string, q func(context.Context) (int, error)) (int, bool) {
	n, err := infra.RetryRead(ctx, a.cfg.Retries, a.cfg.QueryTimeout, q)
	if err != nil {
		metrics.AnalyzerDegradedTotal.WithLabelValues(factor).Inc()
		a.logger.Warn("activity query failed, using neutral value", "factor", factor, "error", err)
		return 0, false
	}
	return n, true
}

// IsSuspiciousSignature matches a client signature against the automation
// denylist. An empty signature is suspicious.
func IsSuspiciousSignature(sig string) bool {
	s := strings.ToLower(strings.TrimSpace(sig))
	if s == "" {
		return true
	}
	for _, p := range automationPatterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
