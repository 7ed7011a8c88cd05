package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic, key, value, headers})
	return nil
}

type flakyDispatcher struct {
	err   error
	calls int
}

func (d *flakyDispatcher) Dispatch(context.Context, Message) error {
	d.calls++
	return d.err
}

func TestKafkaDispatcher_PublishesToChannelTopic(t *testing.T) {
	pub := &fakePublisher{}
	d := NewKafkaDispatcher(pub)

	msg := Message{Channel: domain.DeviceSMS, OwnerID: "owner-1", Destination: "+15551234567", Code: "123456", Purpose: domain.PurposeLogin}
	require.NoError(t, d.Dispatch(context.Background(), msg))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "authrisk.notify.sms", pub.msgs[0].topic)
	assert.Equal(t, []byte("owner-1"), pub.msgs[0].key)
	assert.Equal(t, "login", pub.msgs[0].headers["purpose"])

	var got Message
	require.NoError(t, json.Unmarshal(pub.msgs[0].value, &got))
	assert.Equal(t, "123456", got.Code)
}

func TestKafkaDispatcher_WrapsPublishError(t *testing.T) {
	d := NewKafkaDispatcher(&fakePublisher{err: errors.New("broker down")})
	err := d.Dispatch(context.Background(), Message{Channel: domain.DeviceEmail})
	assert.ErrorContains(t, err, "broker down")
}

func TestGuardedDispatcher_OpensCircuitPerChannel(t *testing.T) {
	next := &flakyDispatcher{err: errors.New("gateway timeout")}
	d := NewGuardedDispatcher(next, guard.NewCircuitBreaker(2, time.Minute), time.Second, discardLogger())
	ctx := context.Background()
	sms := Message{Channel: domain.DeviceSMS}

	assert.Error(t, d.Dispatch(ctx, sms))
	assert.Error(t, d.Dispatch(ctx, sms))
	assert.Equal(t, 2, next.calls)

	err := d.Dispatch(ctx, sms)
	assert.ErrorContains(t, err, "circuit open")
	assert.Equal(t, 2, next.calls)

	next.err = nil
	assert.NoError(t, d.Dispatch(ctx, Message{Channel: domain.DeviceEmail}))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "********4567", Mask("+15551234567"))
	assert.Equal(t, "a***e@example.com", Mask("alice@example.com"))
	assert.Equal(t, "**@x.io", Mask("ab@x.io"))
	assert.Equal(t, "", Mask(""))
}
