package repository

import (
	"context"
	"errors"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PgSessionRepository implements SessionRepository. Create serializes per
// owner with a transaction-scoped advisory lock; all other writes are
// single conditional UPDATEs.
type PgSessionRepository struct {
	db     TxBeginner
	outbox OutboxRepository
}

// NewPgSessionRepository creates a new PgSessionRepository.
func NewPgSessionRepository(db TxBeginner, outbox OutboxRepository) *PgSessionRepository {
	return &PgSessionRepository{db: db, outbox: outbox}
}

const sessionColumns = `id, owner_id, access_token_hash, refresh_token_hash, ip, client_signature,
	device_id, mfa_verified, created_at, expires_at, last_activity_at, revoked_at, revoke_reason`

func (r *PgSessionRepository) Create(ctx context.Context, s *domain.Session, p CreateSessionParams) ([]domain.Session, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, wrap("begin create session", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.OwnerID); err != nil {
		return nil, wrap("lock owner sessions", err)
	}

	active, err := querySessions(ctx, tx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE owner_id = $1 AND revoked_at IS NULL AND expires_at >= $2 AND last_activity_at >= $3
		 ORDER BY created_at ASC`, s.OwnerID, p.Now, p.IdleCutoff)
	if err != nil {
		return nil, err
	}

	var evicted []domain.Session
	if p.Limit > 0 && len(active) >= p.Limit {
		if !p.EvictOldest {
			return nil, domain.ErrConflict("concurrent session limit reached")
		}
		for _, old := range active[:len(active)-p.Limit+1] {
			at := p.Now
			if _, err := tx.Exec(ctx,
				`UPDATE sessions SET revoked_at = $2, revoke_reason = $3 WHERE id = $1 AND revoked_at IS NULL`,
				old.ID, at, domain.RevokeConcurrentLimit); err != nil {
				return nil, wrap("evict session", err)
			}
			old.RevokedAt = &at
			old.RevokeReason = domain.RevokeConcurrentLimit
			if err := r.outbox.Insert(ctx, tx, domain.NewSessionRevokedEvent(&old)); err != nil {
				return nil, err
			}
			evicted = append(evicted, old)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, owner_id, access_token_hash, refresh_token_hash, ip, client_signature,
		                      device_id, mfa_verified, created_at, expires_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.OwnerID, s.AccessTokenHash, s.RefreshTokenHash, s.Binding.IP, s.Binding.ClientSignature,
		s.Binding.DeviceID, s.MFAVerified, s.CreatedAt, s.ExpiresAt, s.LastActivityAt)
	if err != nil {
		return nil, wrap("insert session", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit create session", err)
	}
	return evicted, nil
}

func (r *PgSessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return querySession(ctx, r.db, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
}

func (r *PgSessionRepository) FindByAccessHash(ctx context.Context, hash string) (*domain.Session, error) {
	return querySession(ctx, r.db, `SELECT `+sessionColumns+` FROM sessions WHERE access_token_hash = $1`, hash)
}

func (r *PgSessionRepository) FindByRefreshHash(ctx context.Context, hash string) (*domain.Session, error) {
	return querySession(ctx, r.db, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, hash)
}

func (r *PgSessionRepository) Touch(ctx context.Context, id uuid.UUID, at, idleCutoff time.Time) (*domain.Session, error) {
	return querySession(ctx, r.db, `
		UPDATE sessions SET last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1 AND revoked_at IS NULL AND expires_at >= $2 AND last_activity_at >= $3
		RETURNING `+sessionColumns, id, at, idleCutoff)
}

func (r *PgSessionRepository) Extend(ctx context.Context, id uuid.UUID, newExpiry, at time.Time) (*domain.Session, error) {
	return querySession(ctx, r.db, `
		UPDATE sessions SET expires_at = $2, last_activity_at = $3
		WHERE id = $1 AND revoked_at IS NULL AND expires_at >= $3 AND expires_at < $2
		RETURNING `+sessionColumns, id, newExpiry, at)
}

func (r *PgSessionRepository) Revoke(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*domain.Session, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, wrap("begin revoke session", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	s, err := querySession(ctx, tx, `
		UPDATE sessions SET revoked_at = $2, revoke_reason = $3
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+sessionColumns, id, at, reason)
	if err != nil {
		return nil, err
	}
	if s == nil {
		// already revoked or missing: report the stored state unchanged
		return querySession(ctx, r.db, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	}
	if err := r.outbox.Insert(ctx, tx, domain.NewSessionRevokedEvent(s)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit revoke session", err)
	}
	return s, nil
}

func (r *PgSessionRepository) ListActiveByOwner(ctx context.Context, ownerID string, now, idleCutoff time.Time) ([]domain.Session, error) {
	return querySessions(ctx, r.db,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE owner_id = $1 AND revoked_at IS NULL AND expires_at >= $2 AND last_activity_at >= $3
		 ORDER BY created_at ASC`, ownerID, now, idleCutoff)
}

func (r *PgSessionRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM sessions WHERE expires_at < $1 OR revoked_at < $1`, cutoff)
	if err != nil {
		return 0, wrap("delete expired sessions", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	s := &domain.Session{}
	var revokeReason *string
	err := row.Scan(&s.ID, &s.OwnerID, &s.AccessTokenHash, &s.RefreshTokenHash,
		&s.Binding.IP, &s.Binding.ClientSignature, &s.Binding.DeviceID, &s.MFAVerified,
		&s.CreatedAt, &s.ExpiresAt, &s.LastActivityAt, &s.RevokedAt, &revokeReason)
	if err != nil {
		return nil, err
	}
	if revokeReason != nil {
		s.RevokeReason = *revokeReason
	}
	return s, nil
}

func querySession(ctx context.Context, db DBTX, sql string, args ...interface{}) (*domain.Session, error) {
	s, err := scanSession(db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("query session", err)
	}
	return s, nil
}

func querySessions(ctx context.Context, db DBTX, sql string, args ...interface{}) ([]domain.Session, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap("query sessions", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, wrap("scan session", err)
		}
		out = append(out, *s)
	}
	return out, wrap("iterate sessions", rows.Err())
}
