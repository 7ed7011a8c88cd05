package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventMessage(t *testing.T, sev domain.Severity) kafka.Message {
	t.Helper()
	b, err := json.Marshal(domain.SecurityEvent{
		ID:        uuid.New(),
		ActorID:   "owner-1",
		EventType: domain.EventSignIn,
		Severity:  sev,
		RiskScore: 85,
		Flags:     []string{"new_ip_address", "multiple_failed_attempts"},
	})
	require.NoError(t, err)
	return kafka.Message{Topic: "authrisk.security." + string(sev), Value: b}
}

func TestHandle_FiltersBySeverity(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	require.NoError(t, handle(eventMessage(t, domain.SeverityLow), domain.SeverityHigh, logger))
	assert.Empty(t, buf.String())

	require.NoError(t, handle(eventMessage(t, domain.SeverityCritical), domain.SeverityHigh, logger))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"actor_id":"owner-1"`)
}

func TestHandle_RejectsMalformedPayload(t *testing.T) {
	err := handle(kafka.Message{Value: []byte("{not json")}, domain.SeverityLow, slog.Default())
	assert.Error(t, err)
}
