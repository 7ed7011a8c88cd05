package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewSecurityEventRaised creates the outbox event for an escalated audit record.
// The severity travels in the headers so consumers can route without decoding.
func NewSecurityEventRaised(ev *SecurityEvent) OutboxDraft {
	payload, _ := json.Marshal(ev)
	headers, _ := json.Marshal(map[string]string{"severity": string(ev.Severity)})
	partition := ev.ActorID
	if partition == "" {
		partition = ev.Origin.IP
	}
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: AggregateSecurity,
		AggregateID:   ev.ID.String(),
		EventType:     OutboxSecurityEventRaised,
		PartitionKey:  partition,
		Headers:       headers,
		Payload:       payload,
		OccurredAt:    ev.CreatedAt,
	}
}

// NewSessionRevokedEvent creates a session lifecycle event.
func NewSessionRevokedEvent(s *Session) OutboxDraft {
	payload, _ := json.Marshal(map[string]interface{}{
		"session_id": s.ID.String(),
		"owner_id":   s.OwnerID,
		"reason":     s.RevokeReason,
		"revoked_at": s.RevokedAt,
	})
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: AggregateSession,
		AggregateID:   s.ID.String(),
		EventType:     OutboxSessionRevoked,
		PartitionKey:  s.OwnerID,
		Headers:       json.RawMessage(`{}`),
		Payload:       payload,
		OccurredAt:    time.Now(),
	}
}
