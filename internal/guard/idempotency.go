package guard

import (
	"context"
	"sync"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
)

// IdempotencyGuard deduplicates submissions by idempotency key. Keys are
// remembered for ttl so the set stays bounded.
type IdempotencyGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewIdempotencyGuard creates a new in-memory idempotency guard.
func NewIdempotencyGuard(ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// WithClock replaces the guard's time source.
func (ig *IdempotencyGuard) WithClock(now func() time.Time) *IdempotencyGuard {
	ig.now = now
	return ig
}

// Check returns whether the given key has already been processed.
func (ig *IdempotencyGuard) Check(_ context.Context, key string) domain.GuardResult {
	if key == "" {
		return domain.Allow
	}

	ig.mu.Lock()
	defer ig.mu.Unlock()

	now := ig.now()
	if at, ok := ig.seen[key]; ok && (ig.ttl <= 0 || now.Sub(at) < ig.ttl) {
		return domain.GuardResult{
			Allowed: false,
			Reason:  "duplicate request: idempotency key already processed",
			Guard:   "idempotency",
		}
	}

	ig.seen[key] = now
	if len(ig.seen)%1024 == 0 {
		ig.evictLocked(now)
	}
	return domain.Allow
}

// Remove deletes a key from the seen set (for retry scenarios).
func (ig *IdempotencyGuard) Remove(key string) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	delete(ig.seen, key)
}

func (ig *IdempotencyGuard) evictLocked(now time.Time) {
	if ig.ttl <= 0 {
		return
	}
	for k, at := range ig.seen {
		if now.Sub(at) >= ig.ttl {
			delete(ig.seen, k)
		}
	}
}
