package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/jackc/pgx/v5"
)

// PgFingerprintRepository implements FingerprintRepository.
type PgFingerprintRepository struct {
	db DBTX
}

// NewPgFingerprintRepository creates a new PgFingerprintRepository.
func NewPgFingerprintRepository(db DBTX) *PgFingerprintRepository {
	return &PgFingerprintRepository{db: db}
}

func (r *PgFingerprintRepository) Upsert(ctx context.Context, fp *domain.DeviceFingerprint) (*domain.DeviceFingerprint, error) {
	signals, err := json.Marshal(fp.Signals)
	if err != nil {
		return nil, fmt.Errorf("marshal signals: %w", err)
	}
	out, err := scanFingerprint(r.db.QueryRow(ctx, `
		INSERT INTO device_fingerprints (owner_id, fingerprint_id, signals, confidence, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, fingerprint_id)
		DO UPDATE SET signals = EXCLUDED.signals, confidence = EXCLUDED.confidence, last_seen = EXCLUDED.last_seen
		RETURNING owner_id, fingerprint_id, signals, confidence, first_seen, last_seen`,
		fp.OwnerID, fp.ID, signals, fp.Confidence, fp.FirstSeen, fp.LastSeen))
	if err != nil {
		return nil, wrap("upsert fingerprint", err)
	}
	return out, nil
}

func (r *PgFingerprintRepository) Find(ctx context.Context, ownerID, id string) (*domain.DeviceFingerprint, error) {
	fp, err := scanFingerprint(r.db.QueryRow(ctx, `
		SELECT owner_id, fingerprint_id, signals, confidence, first_seen, last_seen
		FROM device_fingerprints WHERE owner_id = $1 AND fingerprint_id = $2`, ownerID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find fingerprint", err)
	}
	return fp, nil
}

func (r *PgFingerprintRepository) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM device_fingerprints WHERE owner_id = $1`, ownerID).Scan(&n)
	if err != nil {
		return 0, wrap("count fingerprints", err)
	}
	return n, nil
}

func scanFingerprint(row pgx.Row) (*domain.DeviceFingerprint, error) {
	fp := &domain.DeviceFingerprint{}
	var signals []byte
	if err := row.Scan(&fp.OwnerID, &fp.ID, &signals, &fp.Confidence, &fp.FirstSeen, &fp.LastSeen); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(signals, &fp.Signals); err != nil {
		return nil, fmt.Errorf("unmarshal signals: %w", err)
	}
	return fp, nil
}
