package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/metrics"
	"github.com/attaboy/authrisk/internal/repository"
	"github.com/attaboy/authrisk/internal/risk"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Action risk points.
var actionRisk = map[string]float64{
	"login":           5,
	"view":            2,
	"profile_update":  10,
	"mfa_setup":       15,
	"password_change": 20,
	"payment":         25,
	"data_export":     25,
	"mfa_disable":     30,
	"admin_action":    35,
}

const (
	defaultActionRisk = 10
	offHoursRisk      = 10

	// Assessment returned when the assessor itself fails.
	failSafeScore = 75

	lowConfidence = 0.5
	minPlausible  = 2 * time.Second
	maxPageRate   = 30.0 // page views per minute
)

// Factor names.
const (
	FactorNewDevice        = "new_device"
	FactorFirstDevice      = "first_device"
	FactorImplausibleSpeed = "implausible_speed"
	FactorPageVelocity     = "high_page_velocity"
	FactorNoInteraction    = "no_interaction"
	FactorSuspiciousClient = "suspicious_client"
	FactorProxy            = "anonymizing_proxy"
	FactorLowConfidence    = "low_fingerprint_confidence"
	FactorOffHours         = "off_hours"
	FactorGeoRisk          = "geo_risk"
	FactorAssessmentError  = "assessment_error"
)

// AssessorConfig tunes the Assessor.
type AssessorConfig struct {
	CacheSize    int
	Location     *time.Location
	StoreTimeout time.Duration
	StoreRetries int
}

// Assessor turns device, behavior and environment signals into a risk
// assessment. It never fails open: internal errors yield a challenge.
type Assessor struct {
	fingerprints repository.FingerprintRepository
	generator    *Generator
	known        *lru.Cache[string, time.Time]
	cfg          AssessorConfig
	logger       *slog.Logger
	Now          func() time.Time
}

// NewAssessor creates an Assessor.
func NewAssessor(fingerprints repository.FingerprintRepository, generator *Generator, cfg AssessorConfig, logger *slog.Logger) (*Assessor, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	cache, err := lru.New[string, time.Time](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create fingerprint cache: %w", err)
	}
	return &Assessor{
		fingerprints: fingerprints,
		generator:    generator,
		known:        cache,
		cfg:          cfg,
		logger:       logger,
		Now:          time.Now,
	}, nil
}

// Fingerprint generates the fingerprint for a set of client signals.
func (a *Assessor) Fingerprint(ctx context.Context, s domain.ClientSignals) *domain.DeviceFingerprint {
	return a.generator.Generate(ctx, s)
}

// AssessRisk fingerprints the client and assesses action for ownerID.
func (a *Assessor) AssessRisk(ctx context.Context, ownerID string, actx domain.AssessmentContext, action string) domain.RiskAssessment {
	return a.Assess(ctx, ownerID, a.Fingerprint(ctx, actx.Signals), actx, action)
}

// Assess scores an already generated fingerprint.
func (a *Assessor) Assess(ctx context.Context, ownerID string, fp *domain.DeviceFingerprint, actx domain.AssessmentContext, action string) (out domain.RiskAssessment) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("risk assessment panicked", "owner_id", ownerID, "panic", r)
			out = failSafe(fp)
		}
		metrics.AssessmentsTotal.WithLabelValues(string(out.Recommendation)).Inc()
	}()

	var factors []string
	trust, tf, err := a.trust(ctx, ownerID, fp)
	if err != nil {
		a.logger.Error("device trust lookup failed", "owner_id", ownerID, "error", err)
		return failSafe(fp)
	}
	factors = append(factors, tf...)

	behavior, bf := Behavior(actx.Behavior)
	factors = append(factors, bf...)

	environment, ef := Environment(actx, fp.Confidence)
	factors = append(factors, ef...)

	sub := domain.SubScores{
		Trust:       trust,
		Behavior:    behavior,
		Environment: environment,
		Action:      ActionRisk(action),
		Geo:         actx.GeoRisk,
	}
	hour := a.Now().In(a.cfg.Location).Hour()
	if hour < risk.OffHoursStart || hour > risk.OffHoursEnd {
		sub.Temporal = offHoursRisk
		factors = append(factors, FactorOffHours)
	}
	if sub.Geo > 0 {
		factors = append(factors, FactorGeoRisk)
	}

	score := Combine(sub)
	confidence := fp.Confidence
	if len(factors) > 3 {
		confidence *= 0.8
	}
	if actx.Behavior.IsZero() {
		confidence *= 0.9
	}

	if factors == nil {
		factors = []string{}
	}
	return domain.RiskAssessment{
		Score:          score,
		Level:          LevelFor(score),
		Factors:        factors,
		SubScores:      sub,
		Recommendation: RecommendationFor(score),
		Confidence:     confidence,
		FingerprintID:  fp.ID,
	}
}

// Remember records fp as a known device of ownerID.
func (a *Assessor) Remember(ctx context.Context, ownerID string, fp *domain.DeviceFingerprint) error {
	rec := *fp
	rec.OwnerID = ownerID
	rec.FirstSeen = a.Now().UTC()
	rec.LastSeen = rec.FirstSeen

	storeCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	stored, err := a.fingerprints.Upsert(storeCtx, &rec)
	if err != nil {
		return err
	}
	a.known.Add(cacheKey(ownerID, fp.ID), stored.FirstSeen)
	return nil
}

// trust scores how familiar the fingerprint is for this owner. A known
// device starts at 0.7 and gains trust over its first 30 days.
func (a *Assessor) trust(ctx context.Context, ownerID string, fp *domain.DeviceFingerprint) (float64, []string, error) {
	if ownerID == "" {
		return 0.5, []string{FactorFirstDevice}, nil
	}
	key := cacheKey(ownerID, fp.ID)
	firstSeen, ok := a.known.Get(key)
	if ok {
		metrics.FingerprintCacheHitsTotal.Inc()
	} else {
		stored, err := infra.RetryRead(ctx, a.cfg.StoreRetries, a.cfg.StoreTimeout,
			func(ctx context.Context) (*domain.DeviceFingerprint, error) { return a.fingerprints.Find(ctx, ownerID, fp.ID) })
		if err != nil {
			return 0, nil, err
		}
		if stored != nil {
			firstSeen, ok = stored.FirstSeen, true
			a.known.Add(key, firstSeen)
		}
	}
	if ok {
		age := a.Now().Sub(firstSeen).Hours() / 24
		return 0.7 + 0.3*math.Min(math.Max(age, 0)/30, 1), nil, nil
	}

	n, err := infra.RetryRead(ctx, a.cfg.StoreRetries, a.cfg.StoreTimeout,
		func(ctx context.Context) (int, error) { return a.fingerprints.CountByOwner(ctx, ownerID) })
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0.5, []string{FactorFirstDevice}, nil
	}
	return 0.3, []string{FactorNewDevice}, nil
}

// Behavior scores how plausible the visit looks for a human. Without data
// it returns a neutral 0.5.
func Behavior(b domain.BehaviorSignals) (float64, []string) {
	if b.IsZero() {
		return 0.5, nil
	}
	score := 1.0
	var factors []string
	if b.SessionDuration < minPlausible {
		score -= 0.7
		factors = append(factors, FactorImplausibleSpeed)
	} else if minutes := b.SessionDuration.Minutes(); float64(b.PageViews)/minutes > maxPageRate {
		score -= 0.4
		factors = append(factors, FactorPageVelocity)
	}
	if b.Interactions == 0 {
		score -= 0.3
		factors = append(factors, FactorNoInteraction)
	}
	return clamp(score, 0, 1), factors
}

// Environment scores the client environment; 1 is safest.
func Environment(actx domain.AssessmentContext, fpConfidence float64) (float64, []string) {
	score := 1.0
	var factors []string
	if risk.IsSuspiciousSignature(actx.Origin.ClientSignature) {
		score -= 0.5
		factors = append(factors, FactorSuspiciousClient)
	}
	if actx.ProxyHint {
		score -= 0.4
		factors = append(factors, FactorProxy)
	}
	if fpConfidence < lowConfidence {
		score -= 0.2
		factors = append(factors, FactorLowConfidence)
	}
	return clamp(score, 0, 1), factors
}

// ActionRisk returns the base points for an action.
func ActionRisk(action string) float64 {
	if v, ok := actionRisk[action]; ok {
		return v
	}
	return defaultActionRisk
}

// Combine folds sub-scores into a score in [0,100].
func Combine(s domain.SubScores) float64 {
	score := (1-s.Trust)*30 + (1-s.Behavior)*25 + (1-s.Environment)*20 + s.Action + s.Temporal + s.Geo
	return clamp(score, 0, 100)
}

// LevelFor maps a score onto a risk level.
func LevelFor(score float64) domain.RiskLevel {
	switch {
	case score <= 25:
		return domain.RiskLow
	case score <= 50:
		return domain.RiskMedium
	case score <= 75:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

// RecommendationFor maps a score onto an action.
func RecommendationFor(score float64) domain.Recommendation {
	switch {
	case score <= 30:
		return domain.RecommendAllow
	case score <= 70:
		return domain.RecommendChallenge
	default:
		return domain.RecommendBlock
	}
}

func failSafe(fp *domain.DeviceFingerprint) domain.RiskAssessment {
	ra := domain.RiskAssessment{
		Score:          failSafeScore,
		Level:          domain.RiskHigh,
		Factors:        []string{FactorAssessmentError},
		Recommendation: domain.RecommendChallenge,
	}
	if fp != nil {
		ra.FingerprintID = fp.ID
	}
	return ra
}

func cacheKey(ownerID, fpID string) string {
	return ownerID + "|" + fpID
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
