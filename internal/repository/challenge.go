package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PgChallengeRepository implements ChallengeRepository.
type PgChallengeRepository struct {
	db DBTX
}

// NewPgChallengeRepository creates a new PgChallengeRepository.
func NewPgChallengeRepository(db DBTX) *PgChallengeRepository {
	return &PgChallengeRepository{db: db}
}

func (r *PgChallengeRepository) Create(ctx context.Context, c *domain.MFAChallenge) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal challenge metadata: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO mfa_challenges (id, owner_id, device_id, type, code_hash, expires_at,
		                            attempts_remaining, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.OwnerID, c.DeviceID, string(c.Type), c.CodeHash, c.ExpiresAt,
		c.AttemptsRemaining, meta, c.CreatedAt)
	return wrap("create challenge", err)
}

func (r *PgChallengeRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.MFAChallenge, error) {
	c := &domain.MFAChallenge{}
	var typ string
	var meta []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, owner_id, device_id, type, code_hash, expires_at, attempts_remaining, metadata, created_at
		FROM mfa_challenges WHERE id = $1`, id).
		Scan(&c.ID, &c.OwnerID, &c.DeviceID, &typ, &c.CodeHash, &c.ExpiresAt,
			&c.AttemptsRemaining, &meta, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find challenge", err)
	}
	c.Type = domain.DeviceType(typ)
	if err := json.Unmarshal(meta, &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal challenge metadata: %w", err)
	}
	return c, nil
}

func (r *PgChallengeRepository) ReserveAttempt(ctx context.Context, id uuid.UUID) (int, bool, error) {
	var remaining int
	err := r.db.QueryRow(ctx, `
		UPDATE mfa_challenges SET attempts_remaining = attempts_remaining - 1
		WHERE id = $1 AND attempts_remaining > 0
		RETURNING attempts_remaining`, id).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("reserve attempt", err)
	}
	return remaining, true, nil
}

func (r *PgChallengeRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM mfa_challenges WHERE id = $1`, id)
	if err != nil {
		return false, wrap("delete challenge", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgChallengeRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM mfa_challenges WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, wrap("delete expired challenges", err)
	}
	return tag.RowsAffected(), nil
}
