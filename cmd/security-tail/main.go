// Command security-tail follows escalated security events on Kafka and
// logs them, optionally filtered by minimum severity.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/caarlos0/env/v11"
	"github.com/segmentio/kafka-go"
)

type tailConfig struct {
	GroupID     string `env:"SECURITY_TAIL_GROUP" envDefault:"authrisk-security-tail"`
	MinSeverity string `env:"SECURITY_TAIL_MIN_SEVERITY" envDefault:"medium"`
}

var severityRank = map[domain.Severity]int{
	domain.SeverityLow:      0,
	domain.SeverityMedium:   1,
	domain.SeverityHigh:     2,
	domain.SeverityCritical: 3,
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("security tail failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var tc tailConfig
	if err := env.Parse(&tc); err != nil {
		return fmt.Errorf("parse tail config: %w", err)
	}
	minSeverity := domain.Severity(tc.MinSeverity)
	if _, ok := severityRank[minSeverity]; !ok {
		return fmt.Errorf("SECURITY_TAIL_MIN_SEVERITY %q is not a known severity", tc.MinSeverity)
	}

	topics := make([]string, 0, len(severityRank))
	for s := range severityRank {
		topics = append(topics, infra.SecurityTopic(s))
	}
	consumer := infra.NewKafkaConsumer(cfg.KafkaBrokers, topics, tc.GroupID, cfg.KafkaEnabled, logger)
	if !consumer.Enabled() {
		return errors.New("kafka is disabled; set KAFKA_ENABLED=true")
	}
	defer consumer.Close()

	logger.Info("security tail started", "topics", topics, "group", tc.GroupID, "min_severity", minSeverity)
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("security tail stopped")
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if err := handle(msg, minSeverity, logger); err != nil {
			logger.Warn("skipping malformed security event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// handle decodes one security event and logs it when it meets minSeverity.
func handle(msg kafka.Message, minSeverity domain.Severity, logger *slog.Logger) error {
	var ev domain.SecurityEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("decode security event: %w", err)
	}
	if severityRank[ev.Severity] < severityRank[minSeverity] {
		return nil
	}

	level := slog.LevelWarn
	if ev.Severity == domain.SeverityCritical {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "security event",
		"id", ev.ID,
		"audit_id", ev.AuditID,
		"actor_id", ev.ActorID,
		"event_type", ev.EventType,
		"severity", ev.Severity,
		"risk_score", ev.RiskScore,
		"flags", ev.Flags,
		"ip", ev.Origin.IP,
		"description", ev.Description,
	)
	return nil
}
