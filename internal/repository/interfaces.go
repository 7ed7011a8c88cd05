package repository

import (
	"context"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so repositories work with both.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditRepository persists audit records and security events and answers
// the bounded-window queries the activity analyzer needs.
type AuditRepository interface {
	// Insert appends an audit record.
	Insert(ctx context.Context, rec *domain.AuditRecord) error

	// InsertSecurityEvent appends an escalated security event.
	InsertSecurityEvent(ctx context.Context, ev *domain.SecurityEvent) error

	// CountByIP counts records from ip created at or after since.
	CountByIP(ctx context.Context, ip string, since time.Time) (int, error)

	// CountByActorAndIP counts records for actorID from ip created at or after since.
	CountByActorAndIP(ctx context.Context, actorID, ip string, since time.Time) (int, error)

	// CountFailures counts failed records of eventType for actorID since the given time.
	CountFailures(ctx context.Context, actorID string, eventType domain.EventType, since time.Time) (int, error)
}

// CreateSessionParams controls the atomic count-then-insert of a new session.
// Sessions idle since before IdleCutoff no longer count toward Limit.
type CreateSessionParams struct {
	Limit       int
	EvictOldest bool
	Now         time.Time
	IdleCutoff  time.Time
}

// SessionRepository stores sessions. Every mutating method is a single
// atomic conditional update so concurrent requests cannot lose writes.
type SessionRepository interface {
	// Create inserts s unless the owner already holds Limit active sessions.
	// With EvictOldest the oldest active sessions are revoked to make room and
	// returned; otherwise ErrConflict is returned and nothing is written.
	Create(ctx context.Context, s *domain.Session, p CreateSessionParams) ([]domain.Session, error)

	// FindByID returns a session, or nil if not found.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Session, error)

	// FindByAccessHash returns the session whose access token hashes to hash, or nil.
	FindByAccessHash(ctx context.Context, hash string) (*domain.Session, error)

	// FindByRefreshHash returns the session whose refresh token hashes to hash, or nil.
	FindByRefreshHash(ctx context.Context, hash string) (*domain.Session, error)

	// Touch sets last activity to at if the session is not revoked, not
	// expired at at, and was active after idleCutoff. Returns the updated
	// session, or nil if the condition did not hold.
	Touch(ctx context.Context, id uuid.UUID, at, idleCutoff time.Time) (*domain.Session, error)

	// Extend moves expiry to newExpiry if the session is not revoked, not
	// expired at at, and newExpiry is later than the current expiry.
	// Returns the updated session, or nil if the condition did not hold.
	Extend(ctx context.Context, id uuid.UUID, newExpiry, at time.Time) (*domain.Session, error)

	// Revoke marks a session revoked. Revoking an already revoked session
	// keeps the original reason and timestamp.
	Revoke(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*domain.Session, error)

	// ListActiveByOwner returns unrevoked, unexpired sessions with activity
	// at or after idleCutoff, oldest first.
	ListActiveByOwner(ctx context.Context, ownerID string, now, idleCutoff time.Time) ([]domain.Session, error)

	// DeleteExpiredBefore removes sessions that expired or were revoked before cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MFADeviceRepository stores enrolled MFA devices.
type MFADeviceRepository interface {
	Create(ctx context.Context, d *domain.MFADevice) error

	// FindByID returns a device, or nil if not found.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.MFADevice, error)

	// ListByOwner returns the owner's devices, oldest first.
	ListByOwner(ctx context.Context, ownerID string) ([]domain.MFADevice, error)

	// MarkVerified flips the device to verified, optionally making it primary.
	MarkVerified(ctx context.Context, id uuid.UUID, primary bool) error

	// ConsumeBackupCode removes codeHash from the device's backup codes.
	// Returns false if the hash was not present (already used).
	ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeHash string) (bool, error)

	// RecordUse increments the usage counter.
	RecordUse(ctx context.Context, id uuid.UUID, at time.Time) error

	Delete(ctx context.Context, id uuid.UUID) error
}

// ChallengeRepository stores ephemeral MFA challenges.
type ChallengeRepository interface {
	Create(ctx context.Context, c *domain.MFAChallenge) error

	// FindByID returns a challenge, or nil if not found.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.MFAChallenge, error)

	// ReserveAttempt atomically decrements attempts_remaining if it is
	// positive. ok is false when no attempts were left.
	ReserveAttempt(ctx context.Context, id uuid.UUID) (remaining int, ok bool, err error)

	// Delete removes a challenge; deleted is false if it was already gone.
	Delete(ctx context.Context, id uuid.UUID) (deleted bool, err error)

	// DeleteExpiredBefore removes challenges that expired before cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// FingerprintRepository stores device fingerprints seen per owner.
type FingerprintRepository interface {
	// Upsert records fp for the owner, preserving FirstSeen of an existing row.
	Upsert(ctx context.Context, fp *domain.DeviceFingerprint) (*domain.DeviceFingerprint, error)

	// Find returns a stored fingerprint, or nil if the owner never used it.
	Find(ctx context.Context, ownerID, id string) (*domain.DeviceFingerprint, error)

	// CountByOwner returns how many distinct fingerprints the owner has used.
	CountByOwner(ctx context.Context, ownerID string) (int, error)
}

// OwnerRepository provides access to auth_users.
type OwnerRepository interface {
	// FindByEmail returns an owner by email, or nil if not found.
	FindByEmail(ctx context.Context, email string) (*domain.Owner, error)

	// FindByID returns an owner by id, or nil if not found.
	FindByID(ctx context.Context, id string) (*domain.Owner, error)

	Create(ctx context.Context, owner *domain.Owner) error

	// SetMFAEnabled toggles the owner's MFA requirement.
	SetMFAEnabled(ctx context.Context, id string, enabled bool) error
}

// OutboxRepository provides access to the event_outbox table.
type OutboxRepository interface {
	// Insert writes an outbox event (within the same transaction as the source row).
	Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error

	// FetchUnpublished returns unpublished events for the outbox poller.
	FetchUnpublished(ctx context.Context, db DBTX, limit int) ([]OutboxRow, error)

	// MarkPublished stamps events as published.
	MarkPublished(ctx context.Context, db DBTX, ids []int64) error
}

// OutboxRow is an outbox event with its sequence id.
type OutboxRow struct {
	SeqID int64
	domain.OutboxDraft
}
