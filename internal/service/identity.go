package service

import (
	"context"
	"strings"
	"time"

	"github.com/attaboy/authrisk/internal/auth"
	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// IdentityBackend verifies primary credentials.
type IdentityBackend interface {
	// Register creates an owner with the given credentials.
	Register(ctx context.Context, email, password string) (*domain.Owner, error)

	// Authenticate returns the owner for valid credentials, or ErrUnauthorized.
	Authenticate(ctx context.Context, email, password string) (*domain.Owner, error)
}

// PasswordBackend is the bundled IdentityBackend: bcrypt password hashes
// stored in auth_users.
type PasswordBackend struct {
	owners repository.OwnerRepository
	cost   int
	now    func() time.Time
}

// NewPasswordBackend creates a PasswordBackend. cost 0 uses bcrypt.DefaultCost.
func NewPasswordBackend(owners repository.OwnerRepository, cost int) *PasswordBackend {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &PasswordBackend{owners: owners, cost: cost, now: time.Now}
}

func (b *PasswordBackend) Register(ctx context.Context, email, password string) (*domain.Owner, error) {
	email = strings.TrimSpace(email)
	if err := domain.ValidateEmail(email); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	if len(password) < 8 {
		return nil, domain.ErrValidation("password must be at least 8 characters")
	}

	existing, err := b.owners.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrConflict("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return nil, domain.ErrInternal("hash password", err)
	}

	now := b.now().UTC()
	owner := &domain.Owner{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         auth.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.owners.Create(ctx, owner); err != nil {
		return nil, err
	}
	return owner, nil
}

func (b *PasswordBackend) Authenticate(ctx context.Context, email, password string) (*domain.Owner, error) {
	owner, err := b.owners.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, domain.ErrUnauthorized("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(owner.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrUnauthorized("invalid credentials")
	}
	return owner, nil
}
