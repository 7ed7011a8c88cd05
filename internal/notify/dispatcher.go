// Package notify delivers out-of-band verification codes over SMS and email.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/guard"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/attaboy/authrisk/internal/metrics"
)

// Message is a code to deliver to a destination.
type Message struct {
	Channel     domain.DeviceType       `json:"channel"`
	OwnerID     string                  `json:"owner_id"`
	Destination string                  `json:"destination"`
	Code        string                  `json:"code"`
	Purpose     domain.ChallengePurpose `json:"purpose"`
	ExpiresAt   time.Time               `json:"expires_at"`
}

// Dispatcher sends a Message to its destination.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// TopicFor returns the Kafka topic consumed by the gateway for a channel.
func TopicFor(channel domain.DeviceType) string {
	return "authrisk.notify." + string(channel)
}

// KafkaDispatcher hands messages to the SMS/email gateway through Kafka.
type KafkaDispatcher struct {
	producer infra.MessagePublisher
}

func NewKafkaDispatcher(producer infra.MessagePublisher) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	headers := map[string]string{
		"channel": string(msg.Channel),
		"purpose": string(msg.Purpose),
	}
	if err := d.producer.Publish(ctx, TopicFor(msg.Channel), []byte(msg.OwnerID), value, headers); err != nil {
		return fmt.Errorf("publish %s notification: %w", msg.Channel, err)
	}
	return nil
}

// LogDispatcher writes codes to the log. Development only.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, msg Message) error {
	d.logger.Warn("verification code (log dispatcher)",
		"channel", msg.Channel, "owner_id", msg.OwnerID, "destination", Mask(msg.Destination), "code", msg.Code)
	return nil
}

// GuardedDispatcher applies a per-channel circuit breaker and a timeout to
// another Dispatcher.
type GuardedDispatcher struct {
	next    Dispatcher
	breaker *guard.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

func NewGuardedDispatcher(next Dispatcher, breaker *guard.CircuitBreaker, timeout time.Duration, logger *slog.Logger) *GuardedDispatcher {
	return &GuardedDispatcher{next: next, breaker: breaker, timeout: timeout, logger: logger}
}

func (d *GuardedDispatcher) Dispatch(ctx context.Context, msg Message) error {
	key := string(msg.Channel)
	if res := d.breaker.Check(ctx, key); !res.Allowed {
		metrics.MFADispatchFailuresTotal.WithLabelValues(key).Inc()
		return fmt.Errorf("dispatch %s: %s", key, res.Reason)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.next.Dispatch(ctx, msg); err != nil {
		d.breaker.RecordFailure(key)
		metrics.MFADispatchFailuresTotal.WithLabelValues(key).Inc()
		d.logger.Error("code dispatch failed", "channel", key, "owner_id", msg.OwnerID, "error", err)
		return err
	}
	d.breaker.RecordSuccess(key)
	return nil
}
