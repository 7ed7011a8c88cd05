package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/repository"
)

// MessagePublisher is the subset of KafkaProducer the poller needs.
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// OutboxPoller polls the event_outbox table and publishes events to Kafka.
type OutboxPoller struct {
	db        repository.TxBeginner
	outbox    repository.OutboxRepository
	producer  MessagePublisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// NewOutboxPoller creates a new outbox poller.
func NewOutboxPoller(db repository.TxBeginner, outbox repository.OutboxRepository, producer MessagePublisher, logger *slog.Logger) *OutboxPoller {
	return &OutboxPoller{
		db:        db,
		outbox:    outbox,
		producer:  producer,
		logger:    logger,
		interval:  500 * time.Millisecond,
		batchSize: 100,
	}
}

// Start begins polling in a goroutine. Stops when ctx is cancelled.
func (p *OutboxPoller) Start(ctx context.Context) {
	p.logger.Info("outbox poller started", "interval", p.interval, "batch_size", p.batchSize)

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("outbox poller stopped")
				return
			case <-ticker.C:
				if _, err := p.PollOnce(ctx); err != nil {
					p.logger.Error("outbox poll error", "error", err)
				}
			}
		}
	}()
}

// PollOnce publishes one batch. Rows are locked for the duration of the
// transaction so concurrent pollers never publish the same event twice.
func (p *OutboxPoller) PollOnce(ctx context.Context) (int, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := p.outbox.FetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(rows))
	for _, row := range rows {
		topic := TopicFor(row.OutboxDraft)
		headers := map[string]string{
			"event_id":   row.EventID.String(),
			"event_type": string(row.EventType),
		}
		var extra map[string]string
		if len(row.Headers) > 0 && json.Unmarshal(row.Headers, &extra) == nil {
			for k, v := range extra {
				headers[k] = v
			}
		}

		if err := p.producer.Publish(ctx, topic, []byte(row.PartitionKey), row.Payload, headers); err != nil {
			p.logger.Error("kafka publish failed", "event_id", row.EventID, "topic", topic, "error", err)
			// stop at the first failure so per-key ordering is kept
			break
		}
		published = append(published, row.SeqID)
	}

	if err := p.outbox.MarkPublished(ctx, tx, published); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}

	p.logger.Debug("outbox poll complete", "published", len(published))
	return len(published), nil
}

// TopicFor routes security events by severity and everything else by aggregate.
func TopicFor(d domain.OutboxDraft) string {
	if d.EventType == domain.OutboxSecurityEventRaised {
		var h map[string]string
		if json.Unmarshal(d.Headers, &h) == nil && h["severity"] != "" {
			return SecurityTopic(domain.Severity(h["severity"]))
		}
	}
	return "authrisk." + string(d.AggregateType) + "." + string(d.EventType)
}

// SecurityTopic is the Kafka topic for security events of one severity.
func SecurityTopic(s domain.Severity) string {
	return "authrisk.security." + string(s)
}
