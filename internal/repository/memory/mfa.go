package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/google/uuid"
)

// DeviceStore is an in-memory MFADeviceRepository.
type DeviceStore struct {
	mu   sync.Mutex
	data map[uuid.UUID]*domain.MFADevice
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{data: make(map[uuid.UUID]*domain.MFADevice)}
}

func (s *DeviceStore) Create(_ context.Context, d *domain.MFADevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[d.ID]; ok {
		return domain.ErrConflict("device already exists")
	}
	s.data[d.ID] = copyDevice(d)
	return nil
}

func (s *DeviceStore) FindByID(_ context.Context, id uuid.UUID) (*domain.MFADevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	return copyDevice(d), nil
}

func (s *DeviceStore) ListByOwner(_ context.Context, ownerID string) ([]domain.MFADevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MFADevice
	for _, d := range s.data {
		if d.OwnerID == ownerID {
			out = append(out, *copyDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *DeviceStore) MarkVerified(_ context.Context, id uuid.UUID, primary bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	if !ok {
		return domain.ErrNotFound("mfa device", id.String())
	}
	d.Verified = true
	if primary {
		d.Primary = true
	}
	return nil
}

func (s *DeviceStore) ConsumeBackupCode(_ context.Context, id uuid.UUID, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	if !ok {
		return false, nil
	}
	for i, h := range d.BackupCodeHashes {
		if h == codeHash {
			d.BackupCodeHashes = append(d.BackupCodeHashes[:i:i], d.BackupCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *DeviceStore) RecordUse(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	if !ok {
		return domain.ErrNotFound("mfa device", id.String())
	}
	d.UsageCount++
	t := at
	d.LastUsedAt = &t
	return nil
}

func (s *DeviceStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func copyDevice(d *domain.MFADevice) *domain.MFADevice {
	cp := *d
	cp.BackupCodeHashes = append([]string(nil), d.BackupCodeHashes...)
	if d.LastUsedAt != nil {
		t := *d.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

// ChallengeStore is an in-memory ChallengeRepository.
type ChallengeStore struct {
	mu   sync.Mutex
	data map[uuid.UUID]*domain.MFAChallenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{data: make(map[uuid.UUID]*domain.MFAChallenge)}
}

func (s *ChallengeStore) Create(_ context.Context, c *domain.MFAChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.data[c.ID] = &cp
	return nil
}

func (s *ChallengeStore) FindByID(_ context.Context, id uuid.UUID) (*domain.MFAChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *ChallengeStore) ReserveAttempt(_ context.Context, id uuid.UUID) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[id]
	if !ok || c.AttemptsRemaining <= 0 {
		return 0, false, nil
	}
	c.AttemptsRemaining--
	return c.AttemptsRemaining, true, nil
}

func (s *ChallengeStore) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return false, nil
	}
	delete(s.data, id)
	return true, nil
}

func (s *ChallengeStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.data {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}
