package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
)

// PgAuditRepository implements AuditRepository. Security events are written
// together with their outbox row in one transaction.
type PgAuditRepository struct {
	db     TxBeginner
	outbox OutboxRepository
}

// NewPgAuditRepository creates a new PgAuditRepository.
func NewPgAuditRepository(db TxBeginner, outbox OutboxRepository) *PgAuditRepository {
	return &PgAuditRepository{db: db, outbox: outbox}
}

func (r *PgAuditRepository) Insert(ctx context.Context, rec *domain.AuditRecord) error {
	flags, err := json.Marshal(rec.AnomalyFlags)
	if err != nil {
		return fmt.Errorf("marshal anomaly flags: %w", err)
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_records
		  (id, event_type, actor_id, session_id, ip, client_signature, resource_ref,
		   action, outcome, risk_score, anomaly_flags, payload, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, string(rec.EventType), rec.ActorID, rec.SessionID, rec.Origin.IP,
		rec.Origin.ClientSignature, rec.ResourceRef, rec.Action, string(rec.Outcome),
		rec.RiskScore, flags, payload, rec.ErrorDetail, rec.CreatedAt)
	return wrap("insert audit record", err)
}

func (r *PgAuditRepository) InsertSecurityEvent(ctx context.Context, ev *domain.SecurityEvent) error {
	flags, err := json.Marshal(ev.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return wrap("begin security event tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO security_events
		  (id, audit_id, actor_id, event_type, severity, description, risk_score, flags, ip, client_signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.AuditID, ev.ActorID, string(ev.EventType), string(ev.Severity),
		ev.Description, ev.RiskScore, flags, ev.Origin.IP, ev.Origin.ClientSignature, ev.CreatedAt)
	if err != nil {
		return wrap("insert security event", err)
	}
	if err := r.outbox.Insert(ctx, tx, domain.NewSecurityEventRaised(ev)); err != nil {
		return err
	}
	return wrap("commit security event", tx.Commit(ctx))
}

func (r *PgAuditRepository) CountByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return r.count(ctx, "count by ip",
		`SELECT count(*) FROM audit_records WHERE ip = $1 AND created_at >= $2`, ip, since)
}

func (r *PgAuditRepository) CountByActorAndIP(ctx context.Context, actorID, ip string, since time.Time) (int, error) {
	return r.count(ctx, "count by actor and ip",
		`SELECT count(*) FROM audit_records WHERE actor_id = $1 AND ip = $2 AND created_at >= $3`,
		actorID, ip, since)
}

func (r *PgAuditRepository) CountFailures(ctx context.Context, actorID string, eventType domain.EventType, since time.Time) (int, error) {
	return r.count(ctx, "count failures",
		`SELECT count(*) FROM audit_records
		 WHERE actor_id = $1 AND event_type = $2 AND outcome = 'failure' AND created_at >= $3`,
		actorID, string(eventType), since)
}

func (r *PgAuditRepository) count(ctx context.Context, op, sql string, args ...interface{}) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, wrap(op, err)
	}
	return n, nil
}
