package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := rl.Check(ctx, "owner-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	ctx := context.Background()

	rl.Check(ctx, "owner-1")
	rl.Check(ctx, "owner-1")
	result := rl.Check(ctx, "owner-1")

	assert.False(t, result.Allowed)
	assert.Equal(t, "rate_limiter", result.Guard)
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	ctx := context.Background()

	assert.True(t, rl.Check(ctx, "owner-a").Allowed)
	assert.True(t, rl.Check(ctx, "owner-b").Allowed)
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	clock := newClock()
	rl := NewRateLimiter(1, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	require.True(t, rl.Check(ctx, "owner-1").Allowed)
	require.False(t, rl.Check(ctx, "owner-1").Allowed)

	clock.Advance(61 * time.Second)
	assert.True(t, rl.Check(ctx, "owner-1").Allowed)
}

func TestRateLimiter_Prune(t *testing.T) {
	clock := newClock()
	rl := NewRateLimiter(5, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	rl.Check(ctx, "old")
	clock.Advance(2 * time.Minute)
	rl.Check(ctx, "fresh")

	assert.Equal(t, 1, rl.Prune())
}

func TestCircuitBreaker_ClosedByDefault(t *testing.T) {
	cb := NewCircuitBreaker(3, 5*time.Second)
	assert.True(t, cb.Check(context.Background(), "sms").Allowed)
	assert.Equal(t, CircuitClosed, cb.State("sms"))
}

func TestCircuitBreaker_OpensOnThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Second)
	ctx := context.Background()

	cb.Check(ctx, "sms")
	cb.RecordFailure("sms")
	cb.RecordFailure("sms")

	result := cb.Check(ctx, "sms")
	assert.False(t, result.Allowed)
	assert.Equal(t, "circuit_breaker", result.Guard)
	assert.True(t, cb.Check(ctx, "email").Allowed, "channels trip independently")
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Second)
	ctx := context.Background()

	cb.Check(ctx, "sms")
	cb.RecordFailure("sms")
	cb.RecordSuccess("sms")
	cb.RecordFailure("sms")

	assert.True(t, cb.Check(ctx, "sms").Allowed)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newClock()
	cb := NewCircuitBreaker(1, 5*time.Second).WithClock(clock.Now)
	ctx := context.Background()

	cb.Check(ctx, "email")
	cb.RecordFailure("email")
	require.Equal(t, CircuitOpen, cb.State("email"))

	clock.Advance(6 * time.Second)
	require.True(t, cb.Check(ctx, "email").Allowed, "first probe after reset timeout")
	assert.Equal(t, CircuitHalfOpen, cb.State("email"))
	assert.False(t, cb.Check(ctx, "email").Allowed, "only one probe in flight")

	cb.RecordFailure("email")
	assert.Equal(t, CircuitOpen, cb.State("email"))

	clock.Advance(6 * time.Second)
	require.True(t, cb.Check(ctx, "email").Allowed)
	cb.RecordSuccess("email")
	assert.Equal(t, CircuitClosed, cb.State("email"))
}

func TestIdempotencyGuard_BlocksDuplicate(t *testing.T) {
	ig := NewIdempotencyGuard(time.Hour)
	ctx := context.Background()

	require.True(t, ig.Check(ctx, "req-123").Allowed)
	result := ig.Check(ctx, "req-123")

	assert.False(t, result.Allowed)
	assert.Equal(t, "idempotency", result.Guard)
}

func TestIdempotencyGuard_EmptyKeyAllowed(t *testing.T) {
	ig := NewIdempotencyGuard(time.Hour)
	ctx := context.Background()

	assert.True(t, ig.Check(ctx, "").Allowed)
	assert.True(t, ig.Check(ctx, "").Allowed)
}

func TestIdempotencyGuard_RemoveAllowsRetry(t *testing.T) {
	ig := NewIdempotencyGuard(time.Hour)
	ctx := context.Background()

	ig.Check(ctx, "req-456")
	ig.Remove("req-456")

	assert.True(t, ig.Check(ctx, "req-456").Allowed)
}

func TestIdempotencyGuard_KeysExpire(t *testing.T) {
	clock := newClock()
	ig := NewIdempotencyGuard(time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	ig.Check(ctx, "req-789")
	clock.Advance(59 * time.Minute)
	require.False(t, ig.Check(ctx, "req-789").Allowed)

	clock.Advance(2 * time.Minute)
	assert.True(t, ig.Check(ctx, "req-789").Allowed)
}

func failedSignIn(at time.Time) *domain.AuditRecord {
	return &domain.AuditRecord{
		EventType: domain.EventSignIn,
		ActorID:   "owner-1",
		Outcome:   domain.OutcomeFailure,
		CreatedAt: at,
	}
}

func TestLockout_LocksAfterThreshold(t *testing.T) {
	clock := newClock()
	audit := memory.NewAuditStore()
	l := NewLockout(audit, 3, 15*time.Minute, discardLogger()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, audit.Insert(ctx, failedSignIn(clock.Now())))
	}
	require.NoError(t, l.CheckLocked(ctx, "owner-1"))

	require.NoError(t, audit.Insert(ctx, failedSignIn(clock.Now())))
	err := l.CheckLocked(ctx, "owner-1")
	assert.True(t, domain.HasCode(err, domain.CodeAccountLocked))
	assert.NoError(t, l.CheckLocked(ctx, "owner-2"))

	clock.Advance(16 * time.Minute)
	assert.NoError(t, l.CheckLocked(ctx, "owner-1"), "failures age out of the window")
}

type brokenAudit struct{ *memory.AuditStore }

func (brokenAudit) CountFailures(context.Context, string, domain.EventType, time.Time) (int, error) {
	return 0, errors.New("db down")
}

func TestLockout_FailsOpenOnStoreError(t *testing.T) {
	l := NewLockout(brokenAudit{memory.NewAuditStore()}, 1, time.Minute, discardLogger())
	assert.NoError(t, l.CheckLocked(context.Background(), "owner-1"))
}
