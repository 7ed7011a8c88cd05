package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/repository"
	"github.com/google/uuid"
)

// SessionStore is an in-memory SessionRepository. A single mutex makes
// every method atomic, including the count-then-insert in Create.
type SessionStore struct {
	mu   sync.Mutex
	data map[uuid.UUID]*domain.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{data: make(map[uuid.UUID]*domain.Session)}
}

func (s *SessionStore) Create(_ context.Context, sess *domain.Session, p repository.CreateSessionParams) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked(sess.OwnerID, p.Now, p.IdleCutoff)
	var evicted []domain.Session
	if p.Limit > 0 && len(active) >= p.Limit {
		if !p.EvictOldest {
			return nil, domain.ErrConflict("concurrent session limit reached")
		}
		for _, old := range active[:len(active)-p.Limit+1] {
			stored := s.data[old.ID]
			at := p.Now
			stored.RevokedAt = &at
			stored.RevokeReason = domain.RevokeConcurrentLimit
			evicted = append(evicted, *stored)
		}
	}

	cp := *sess
	s.data[sess.ID] = &cp
	return evicted, nil
}

func (s *SessionStore) FindByID(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(s.data[id]), nil
}

func (s *SessionStore) FindByAccessHash(_ context.Context, hash string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.data {
		if sess.AccessTokenHash == hash {
			return s.copyLocked(sess), nil
		}
	}
	return nil, nil
}

func (s *SessionStore) FindByRefreshHash(_ context.Context, hash string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.data {
		if sess.RefreshTokenHash == hash {
			return s.copyLocked(sess), nil
		}
	}
	return nil, nil
}

func (s *SessionStore) Touch(_ context.Context, id uuid.UUID, at, idleCutoff time.Time) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[id]
	if !ok || sess.IsRevoked() || at.After(sess.ExpiresAt) || sess.LastActivityAt.Before(idleCutoff) {
		return nil, nil
	}
	if at.After(sess.LastActivityAt) {
		sess.LastActivityAt = at
	}
	return s.copyLocked(sess), nil
}

func (s *SessionStore) Extend(_ context.Context, id uuid.UUID, newExpiry, at time.Time) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[id]
	if !ok || sess.IsRevoked() || at.After(sess.ExpiresAt) || !newExpiry.After(sess.ExpiresAt) {
		return nil, nil
	}
	sess.ExpiresAt = newExpiry
	sess.LastActivityAt = at
	return s.copyLocked(sess), nil
}

func (s *SessionStore) Revoke(_ context.Context, id uuid.UUID, reason string, at time.Time) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	if !sess.IsRevoked() {
		t := at
		sess.RevokedAt = &t
		sess.RevokeReason = reason
	}
	return s.copyLocked(sess), nil
}

func (s *SessionStore) ListActiveByOwner(_ context.Context, ownerID string, now, idleCutoff time.Time) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(ownerID, now, idleCutoff), nil
}

func (s *SessionStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.data {
		if sess.ExpiresAt.Before(cutoff) || (sess.RevokedAt != nil && sess.RevokedAt.Before(cutoff)) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

func (s *SessionStore) activeLocked(ownerID string, now, idleCutoff time.Time) []domain.Session {
	var out []domain.Session
	for _, sess := range s.data {
		if sess.OwnerID != ownerID || sess.IsRevoked() || now.After(sess.ExpiresAt) || sess.LastActivityAt.Before(idleCutoff) {
			continue
		}
		out = append(out, *s.copyLocked(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *SessionStore) copyLocked(sess *domain.Session) *domain.Session {
	if sess == nil {
		return nil
	}
	cp := *sess
	if sess.RevokedAt != nil {
		t := *sess.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
