package memory

import (
	"context"
	"sync"

	"github.com/attaboy/authrisk/internal/domain"
)

// FingerprintStore is an in-memory FingerprintRepository keyed by owner and fingerprint id.
type FingerprintStore struct {
	mu   sync.Mutex
	data map[string]map[string]*domain.DeviceFingerprint
}

func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{data: make(map[string]map[string]*domain.DeviceFingerprint)}
}

func (s *FingerprintStore) Upsert(_ context.Context, fp *domain.DeviceFingerprint) (*domain.DeviceFingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byOwner, ok := s.data[fp.OwnerID]
	if !ok {
		byOwner = make(map[string]*domain.DeviceFingerprint)
		s.data[fp.OwnerID] = byOwner
	}
	cp := copyFingerprint(fp)
	if existing, ok := byOwner[fp.ID]; ok {
		cp.FirstSeen = existing.FirstSeen
	}
	byOwner[fp.ID] = cp
	return copyFingerprint(cp), nil
}

func (s *FingerprintStore) Find(_ context.Context, ownerID, id string) (*domain.DeviceFingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.data[ownerID][id]
	if !ok {
		return nil, nil
	}
	return copyFingerprint(fp), nil
}

func (s *FingerprintStore) CountByOwner(_ context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[ownerID]), nil
}

func copyFingerprint(fp *domain.DeviceFingerprint) *domain.DeviceFingerprint {
	cp := *fp
	cp.Signals = make(map[string]string, len(fp.Signals))
	for k, v := range fp.Signals {
		cp.Signals[k] = v
	}
	return &cp
}
