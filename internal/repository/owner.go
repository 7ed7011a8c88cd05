package repository

import (
	"context"
	"errors"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/jackc/pgx/v5"
)

// PgOwnerRepository implements OwnerRepository on the auth_users table.
type PgOwnerRepository struct {
	db DBTX
}

// NewPgOwnerRepository creates a new PgOwnerRepository.
func NewPgOwnerRepository(db DBTX) *PgOwnerRepository {
	return &PgOwnerRepository{db: db}
}

const ownerColumns = `id, email, password_hash, role, mfa_enabled, created_at, updated_at`

func (r *PgOwnerRepository) FindByEmail(ctx context.Context, email string) (*domain.Owner, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ownerColumns+` FROM auth_users WHERE lower(email) = lower($1)`, email)
	return scanOwner(row)
}

func (r *PgOwnerRepository) FindByID(ctx context.Context, id string) (*domain.Owner, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ownerColumns+` FROM auth_users WHERE id::text = $1`, id)
	return scanOwner(row)
}

func (r *PgOwnerRepository) Create(ctx context.Context, owner *domain.Owner) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO auth_users (id, email, password_hash, role, mfa_enabled)
		 VALUES ($1, $2, $3, $4, $5)`,
		owner.ID, owner.Email, owner.PasswordHash, owner.Role, owner.MFAEnabled)
	if isUniqueViolation(err) {
		return domain.ErrConflict("email already registered")
	}
	return wrap("create owner", err)
}

func (r *PgOwnerRepository) SetMFAEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE auth_users SET mfa_enabled = $1, updated_at = now() WHERE id::text = $2`,
		enabled, id)
	if err != nil {
		return wrap("set mfa enabled", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("owner", id)
	}
	return nil
}

func scanOwner(row pgx.Row) (*domain.Owner, error) {
	o := &domain.Owner{}
	err := row.Scan(&o.ID, &o.Email, &o.PasswordHash, &o.Role, &o.MFAEnabled, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("scan owner", err)
	}
	return o, nil
}
