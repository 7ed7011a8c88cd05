package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/attaboy/authrisk/internal/domain"
)

// OwnerStore is an in-memory OwnerRepository.
type OwnerStore struct {
	mu   sync.Mutex
	data map[string]*domain.Owner
}

func NewOwnerStore() *OwnerStore {
	return &OwnerStore{data: make(map[string]*domain.Owner)}
}

func (s *OwnerStore) FindByEmail(_ context.Context, email string) (*domain.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.data {
		if strings.EqualFold(o.Email, email) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *OwnerStore) FindByID(_ context.Context, id string) (*domain.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *OwnerStore) Create(_ context.Context, owner *domain.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.data {
		if strings.EqualFold(o.Email, owner.Email) {
			return domain.ErrConflict("email already registered")
		}
	}
	cp := *owner
	s.data[owner.ID.String()] = &cp
	return nil
}

func (s *OwnerStore) SetMFAEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data[id]
	if !ok {
		return domain.ErrNotFound("owner", id)
	}
	o.MFAEnabled = enabled
	return nil
}
