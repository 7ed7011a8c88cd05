package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEventType enumerates the integration events published through the outbox.
type OutboxEventType string

const (
	OutboxSecurityEventRaised OutboxEventType = "security.event.raised"
	OutboxSessionRevoked      OutboxEventType = "session.revoked"
)

// AggregateType enumerates the aggregate root types for outbox events.
type AggregateType string

const (
	AggregateSecurity AggregateType = "security"
	AggregateSession  AggregateType = "session"
)

// OutboxDraft is the payload written to the event_outbox table.
type OutboxDraft struct {
	EventID       uuid.UUID       `json:"eventId"`
	AggregateType AggregateType   `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     OutboxEventType `json:"eventType"`
	PartitionKey  string          `json:"partitionKey"`
	Headers       json.RawMessage `json:"headers"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
}
