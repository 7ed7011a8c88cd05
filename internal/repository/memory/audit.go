package memory

import (
	"context"
	"sync"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
)

// AuditStore is an in-memory AuditRepository.
type AuditStore struct {
	mu      sync.RWMutex
	records []domain.AuditRecord
	events  []domain.SecurityEvent
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Insert(_ context.Context, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.AnomalyFlags = append([]string(nil), rec.AnomalyFlags...)
	s.records = append(s.records, r)
	return nil
}

func (s *AuditStore) InsertSecurityEvent(_ context.Context, ev *domain.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *AuditStore) CountByIP(_ context.Context, ip string, since time.Time) (int, error) {
	return s.count(func(r *domain.AuditRecord) bool {
		return r.Origin.IP == ip && !r.CreatedAt.Before(since)
	}), nil
}

func (s *AuditStore) CountByActorAndIP(_ context.Context, actorID, ip string, since time.Time) (int, error) {
	return s.count(func(r *domain.AuditRecord) bool {
		return r.ActorID == actorID && r.Origin.IP == ip && !r.CreatedAt.Before(since)
	}), nil
}

func (s *AuditStore) CountFailures(_ context.Context, actorID string, eventType domain.EventType, since time.Time) (int, error) {
	return s.count(func(r *domain.AuditRecord) bool {
		return r.ActorID == actorID && r.EventType == eventType &&
			r.Outcome == domain.OutcomeFailure && !r.CreatedAt.Before(since)
	}), nil
}

// Records returns a copy of all stored audit records.
func (s *AuditStore) Records() []domain.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AuditRecord(nil), s.records...)
}

// SecurityEvents returns a copy of all stored security events.
func (s *AuditStore) SecurityEvents() []domain.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SecurityEvent(nil), s.events...)
}

func (s *AuditStore) count(match func(*domain.AuditRecord) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.records {
		if match(&s.records[i]) {
			n++
		}
	}
	return n
}
