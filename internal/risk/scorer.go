package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/guard"
	"github.com/attaboy/authrisk/internal/metrics"
	"github.com/attaboy/authrisk/internal/repository"
	"github.com/google/uuid"
)

// Anomaly flags, in the order they are reported.
const (
	FlagNewOrigin        = "new_ip_address"
	FlagSuspiciousClient = "suspicious_user_agent"
	FlagRapidRequests    = "rapid_requests"
	FlagFailedAttempts   = "multiple_failed_attempts"
	FlagGeoAnomaly       = "geo_anomaly"
	FlagOffHours         = "off_hours_access"
	FlagFailedOutcome    = "failed_outcome"
	FlagPrivilegedAction = "privileged_action"
)

const (
	DefaultBaseScore       = 5
	DefaultEscalationScore = 60
	maxFailedAttemptPoints = 40
)

var baseScores = map[domain.EventType]int{
	domain.EventSignIn:              10,
	domain.EventSignUp:              15,
	domain.EventPasswordChange:      20,
	domain.EventMFADisable:          50,
	domain.EventPrivilegeEscalation: 60,
	domain.EventBulkDataAccess:      30,
}

// BaseScore returns the table score for an event type.
func BaseScore(eventType domain.EventType) int {
	if s, ok := baseScores[eventType]; ok {
		return s
	}
	return DefaultBaseScore
}

// Score combines the base score of eventType with factor adjustments. It is
// pure: the same inputs always give the same score and flags.
func Score(eventType domain.EventType, f domain.RiskFactors) (int, []string) {
	score := BaseScore(eventType)
	var flags []string

	add := func(fired bool, points int, flag string) {
		if fired {
			score += points
			flags = append(flags, flag)
		}
	}
	add(f.NewOrigin, 15, FlagNewOrigin)
	add(f.SuspiciousClient, 20, FlagSuspiciousClient)
	add(f.RapidRequests, 25, FlagRapidRequests)
	add(f.FailedAttempts > 0, min(f.FailedAttempts*10, maxFailedAttemptPoints), FlagFailedAttempts)
	add(f.GeoAnomaly, 30, FlagGeoAnomaly)
	add(f.OffHours, 15, FlagOffHours)
	add(f.FailedOutcome, 10, FlagFailedOutcome)
	add(f.PrivilegedAction, 20, FlagPrivilegedAction)

	return max(0, min(score, 100)), flags
}

// IsPrivileged reports whether an action touches administration or roles.
func IsPrivileged(action, resourceRef string) bool {
	for _, s := range []string{action, resourceRef} {
		s = strings.ToLower(s)
		if strings.Contains(s, "admin") || strings.Contains(s, "role") {
			return true
		}
	}
	return false
}

// FactorSource derives history-based factors. Implemented by *Analyzer.
type FactorSource interface {
	DeriveFactors(ctx context.Context, actorID string, origin domain.Origin, eventType domain.EventType) domain.RiskFactors
}

// LogOptions carries the context of an audited event.
type LogOptions struct {
	ActorID        string
	SessionID      *uuid.UUID
	Origin         domain.Origin
	ResourceRef    string
	Action         string
	ErrorDetail    string
	GeoAnomaly     bool
	Privileged     bool
	IdempotencyKey string
}

// ScorerConfig tunes the scorer.
type ScorerConfig struct {
	EscalationThreshold int
	StoreTimeout        time.Duration
}

// Scorer scores events, persists them as audit records and escalates high
// scores to security events.
type Scorer struct {
	factors FactorSource
	audit   repository.AuditRepository
	idem    *guard.IdempotencyGuard
	cfg     ScorerConfig
	logger  *slog.Logger
	Now     func() time.Time

	wg sync.WaitGroup
}

// NewScorer creates a Scorer. idem may be nil to disable duplicate suppression.
func NewScorer(factors FactorSource, audit repository.AuditRepository, idem *guard.IdempotencyGuard, cfg ScorerConfig, logger *slog.Logger) *Scorer {
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = DefaultEscalationScore
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Scorer{factors: factors, audit: audit, idem: idem, cfg: cfg, logger: logger, Now: time.Now}
}

// Score is the pure scoring function exposed on the component.
func (s *Scorer) Score(eventType domain.EventType, f domain.RiskFactors) (int, []string) {
	return Score(eventType, f)
}

// LogEvent records an event without blocking the caller and returns the
// audit id assigned to it. Failures are logged and counted, never returned.
// The write outlives cancellation of ctx. A duplicate idempotency key
// returns uuid.Nil and writes nothing.
func (s *Scorer) LogEvent(ctx context.Context, eventType domain.EventType, outcome domain.Outcome, data interface{}, opts LogOptions) uuid.UUID {
	if s.idem != nil && !s.idem.Check(ctx, opts.IdempotencyKey).Allowed {
		s.logger.Debug("duplicate audit event dropped", "event_type", eventType, "key", opts.IdempotencyKey)
		return uuid.Nil
	}

	id := uuid.New()
	detached := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.AuditWriteFailuresTotal.Inc()
				s.logger.Error("audit write panicked", "audit_id", id, "panic", r)
			}
		}()
		if _, err := s.record(detached, id, eventType, outcome, data, opts); err != nil {
			metrics.AuditWriteFailuresTotal.Inc()
			s.logger.Error("audit write failed", "audit_id", id, "event_type", eventType, "error", err)
		}
	}()
	return id
}

// Record is the synchronous form of LogEvent. It returns the persisted record.
func (s *Scorer) Record(ctx context.Context, eventType domain.EventType, outcome domain.Outcome, data interface{}, opts LogOptions) (*domain.AuditRecord, error) {
	if s.idem != nil && !s.idem.Check(ctx, opts.IdempotencyKey).Allowed {
		return nil, domain.ErrConflict("duplicate event: idempotency key already processed")
	}
	return s.record(ctx, uuid.New(), eventType, outcome, data, opts)
}

// Wait blocks until every in-flight LogEvent write has finished.
func (s *Scorer) Wait() {
	s.wg.Wait()
}

func (s *Scorer) record(ctx context.Context, id uuid.UUID, eventType domain.EventType, outcome domain.Outcome, data interface{}, opts LogOptions) (*domain.AuditRecord, error) {
	f := s.factors.DeriveFactors(ctx, opts.ActorID, opts.Origin, eventType)
	f.GeoAnomaly = f.GeoAnomaly || opts.GeoAnomaly
	f.FailedOutcome = outcome == domain.OutcomeFailure || outcome == domain.OutcomeError
	f.PrivilegedAction = opts.Privileged || IsPrivileged(opts.Action, opts.ResourceRef)

	score, flags := Score(eventType, f)

	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		payload = b
	}

	rec := &domain.AuditRecord{
		ID:           id,
		EventType:    eventType,
		ActorID:      opts.ActorID,
		SessionID:    opts.SessionID,
		Origin:       opts.Origin,
		ResourceRef:  opts.ResourceRef,
		Action:       opts.Action,
		Outcome:      outcome,
		RiskScore:    score,
		AnomalyFlags: flags,
		Payload:      payload,
		ErrorDetail:  opts.ErrorDetail,
		CreatedAt:    s.Now().UTC(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.audit.Insert(storeCtx, rec); err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}
	metrics.RiskScores.WithLabelValues(string(eventType)).Observe(float64(score))

	if score >= s.cfg.EscalationThreshold {
		if err := s.escalate(storeCtx, rec); err != nil {
			return rec, fmt.Errorf("escalate audit record: %w", err)
		}
	}
	return rec, nil
}

func (s *Scorer) escalate(ctx context.Context, rec *domain.AuditRecord) error {
	sev := domain.SeverityForScore(rec.RiskScore)
	ev := &domain.SecurityEvent{
		ID:          uuid.New(),
		AuditID:     rec.ID,
		ActorID:     rec.ActorID,
		EventType:   rec.EventType,
		Severity:    sev,
		Description: describe(rec),
		RiskScore:   rec.RiskScore,
		Flags:       rec.AnomalyFlags,
		Origin:      rec.Origin,
		CreatedAt:   rec.CreatedAt,
	}
	if err := s.audit.InsertSecurityEvent(ctx, ev); err != nil {
		return err
	}
	metrics.SecurityEventsTotal.WithLabelValues(string(sev)).Inc()
	s.logger.Warn("security event raised",
		"security_event_id", ev.ID, "audit_id", rec.ID, "event_type", rec.EventType,
		"severity", sev, "score", rec.RiskScore, "flags", rec.AnomalyFlags)
	return nil
}

func describe(rec *domain.AuditRecord) string {
	if len(rec.AnomalyFlags) == 0 {
		return fmt.Sprintf("%s scored %d", rec.EventType, rec.RiskScore)
	}
	return fmt.Sprintf("%s scored %d: %s", rec.EventType, rec.RiskScore, strings.Join(rec.AnomalyFlags, ", "))
}
