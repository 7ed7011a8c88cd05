package repository

import (
	"context"
	"errors"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PgMFADeviceRepository implements MFADeviceRepository.
type PgMFADeviceRepository struct {
	db DBTX
}

// NewPgMFADeviceRepository creates a new PgMFADeviceRepository.
func NewPgMFADeviceRepository(db DBTX) *PgMFADeviceRepository {
	return &PgMFADeviceRepository{db: db}
}

const deviceColumns = `id, owner_id, type, label, destination, encrypted_secret, verified,
	is_primary, backup_code_hashes, usage_count, last_used_at, created_at`

func (r *PgMFADeviceRepository) Create(ctx context.Context, d *domain.MFADevice) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO mfa_devices (id, owner_id, type, label, destination, encrypted_secret,
		                         verified, is_primary, backup_code_hashes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.OwnerID, string(d.Type), d.Label, d.Destination, d.EncryptedSecret,
		d.Verified, d.Primary, d.BackupCodeHashes, d.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict("device already exists")
	}
	return wrap("create mfa device", err)
}

func (r *PgMFADeviceRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.MFADevice, error) {
	d, err := scanDevice(r.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM mfa_devices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find mfa device", err)
	}
	return d, nil
}

func (r *PgMFADeviceRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.MFADevice, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deviceColumns+` FROM mfa_devices WHERE owner_id = $1 ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, wrap("list mfa devices", err)
	}
	defer rows.Close()

	var out []domain.MFADevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, wrap("scan mfa device", err)
		}
		out = append(out, *d)
	}
	return out, wrap("iterate mfa devices", rows.Err())
}

func (r *PgMFADeviceRepository) MarkVerified(ctx context.Context, id uuid.UUID, primary bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE mfa_devices SET verified = true, is_primary = is_primary OR $2 WHERE id = $1`, id, primary)
	if err != nil {
		return wrap("mark device verified", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("mfa device", id.String())
	}
	return nil
}

// ConsumeBackupCode removes the hash in a single conditional UPDATE, so two
// concurrent uses of the same code cannot both succeed.
func (r *PgMFADeviceRepository) ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeHash string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE mfa_devices SET backup_code_hashes = array_remove(backup_code_hashes, $2)
		WHERE id = $1 AND $2 = ANY(backup_code_hashes)`, id, codeHash)
	if err != nil {
		return false, wrap("consume backup code", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgMFADeviceRepository) RecordUse(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE mfa_devices SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`, id, at)
	return wrap("record device use", err)
}

func (r *PgMFADeviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM mfa_devices WHERE id = $1`, id)
	return wrap("delete mfa device", err)
}

func scanDevice(row pgx.Row) (*domain.MFADevice, error) {
	d := &domain.MFADevice{}
	var typ string
	err := row.Scan(&d.ID, &d.OwnerID, &typ, &d.Label, &d.Destination, &d.EncryptedSecret,
		&d.Verified, &d.Primary, &d.BackupCodeHashes, &d.UsageCount, &d.LastUsedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Type = domain.DeviceType(typ)
	return d, nil
}
