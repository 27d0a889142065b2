package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderedsub/orderedsub/internal/models"
)

// TestDefaultNATSConfig tests the default configuration
func TestDefaultNATSConfig(t *testing.T) {
	config := DefaultNATSConfig()

	assert.Equal(t, nats.DefaultURL, config.URL)
	assert.Equal(t, DefaultStreamName, config.Stream)
	assert.Equal(t, DefaultSubject, config.Subject)
	assert.Equal(t, DefaultConsumerName, config.Consumer)
	assert.Equal(t, DefaultMaxDeliver, config.MaxDeliver)
	assert.Equal(t, DefaultAckWait, config.AckWait)
	assert.Equal(t, DefaultMaxAckPending, config.MaxAckPending)
	assert.True(t, config.EnableDLQ, "DLQ should be enabled by default")
	assert.Equal(t, -1, config.MaxReconnects)
}

func TestHeadersFor(t *testing.T) {
	h := headersFor(models.Message{
		ID:          "m-1",
		OrderingKey: "acct-7",
		Attributes:  map[string]string{"type": "deposit"},
	})

	assert.Equal(t, "m-1", h.Get(nats.MsgIdHdr))
	assert.Equal(t, "acct-7", h.Get(models.HeaderOrderingKey))
	assert.Equal(t, "deposit", h.Get("type"))
}

func TestHeadersFor_NoOrderingKey(t *testing.T) {
	h := headersFor(models.Message{ID: "m-1"})
	assert.Empty(t, h.Values(models.HeaderOrderingKey))
}

func TestMessageFromHeaders(t *testing.T) {
	published := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := nats.Header{}
	h.Set(nats.MsgIdHdr, "m-1")
	h.Set(models.HeaderOrderingKey, "acct-7")
	h.Set("type", "deposit")
	h.Set("Nats-Expected-Stream", "ORDERED")

	msg := messageFromHeaders(h, []byte("payload"), &jetstream.MsgMetadata{
		Sequence:  jetstream.SequencePair{Stream: 42},
		Stream:    "ORDERED",
		Timestamp: published,
	})

	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "acct-7", msg.OrderingKey)
	assert.Equal(t, []byte("payload"), msg.Payload)
	assert.Equal(t, published, msg.PublishedAt)
	assert.Equal(t, map[string]string{"type": "deposit"}, msg.Attributes)
}

func TestMessageFromHeaders_FallbackID(t *testing.T) {
	msg := messageFromHeaders(nats.Header{}, []byte("x"), &jetstream.MsgMetadata{
		Sequence: jetstream.SequencePair{Stream: 9},
		Stream:   "ORDERED",
	})

	assert.Equal(t, "ORDERED:9", msg.ID)
	assert.False(t, msg.HasOrderingKey())
	assert.Nil(t, msg.Attributes)
}

type fakeJetStream struct {
	jetstream.JetStream
	published []string
}

func (f *fakeJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.published = append(f.published, subject)
	return &jetstream.PubAck{Stream: StreamNameDLQ, Sequence: uint64(len(f.published))}, nil
}

type fakeMsg struct {
	jetstream.Msg
	termErrs []error
	terms    int
	naks     int
	delayed  int
}

func (m *fakeMsg) Term() error {
	m.terms++
	if len(m.termErrs) > 0 {
		err := m.termErrs[0]
		m.termErrs = m.termErrs[1:]
		return err
	}
	return nil
}

func (m *fakeMsg) Nak() error { m.naks++; return nil }

func (m *fakeMsg) NakWithDelay(time.Duration) error { m.delayed++; return nil }

func newTestHandle(cfg *NATSConfig, delivered uint64) (*natsHandle, *fakeJetStream, *fakeMsg) {
	logger, _ := logtest.NewNullLogger()
	js := &fakeJetStream{}
	msg := &fakeMsg{}
	b := &NATSBroker{config: cfg, js: js, logger: logger}
	return &natsHandle{
		broker: b,
		msg:    msg,
		meta:   &jetstream.MsgMetadata{NumDelivered: delivered},
		data:   models.Message{ID: "m-1", OrderingKey: "acct-7", Payload: []byte("x")},
	}, js, msg
}

func TestNatsHandle_NackBeforeLastDelivery(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxDeliver = 3

	h, js, msg := newTestHandle(cfg, 1)
	assert.False(t, h.Final())
	require.NoError(t, h.Nack(context.Background()))
	assert.Equal(t, 1, msg.naks)
	assert.Empty(t, js.published)

	cfg.NakDelay = time.Second
	h, _, msg = newTestHandle(cfg, 2)
	require.NoError(t, h.Nack(context.Background()))
	assert.Equal(t, 1, msg.delayed)
}

func TestNatsHandle_UnlimitedDeliveriesNeverFinal(t *testing.T) {
	h, _, _ := newTestHandle(DefaultNATSConfig(), 1000)
	assert.False(t, h.Final())
}

// A Nack retried after Term failed must not copy the message to the DLQ again.
func TestNatsHandle_NackRetryPublishesToDLQOnce(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxDeliver = 3

	h, js, msg := newTestHandle(cfg, 3)
	msg.termErrs = []error{errors.New("term timed out")}
	assert.True(t, h.Final())

	require.Error(t, h.Nack(context.Background()))
	require.NoError(t, h.Nack(context.Background()))

	assert.Equal(t, []string{SubjectDLQ}, js.published)
	assert.Equal(t, 2, msg.terms)
	assert.Zero(t, msg.naks)
}

// TestNATSBroker_PublishAndConsume tests the basic publish/consume flow.
// This test requires a running NATS server with JetStream (skip if not available)
func TestNATSBroker_PublishAndConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config := DefaultNATSConfig()
	config.URL = "nats://localhost:4222"
	config.Stream = "ORDERED_TEST"
	config.Subject = "ordered.test"
	config.Consumer = "orderedsub-test"
	config.EnableDLQ = false
	config.MaxReconnects = 0

	broker, err := NewNATSBroker(ctx, config)
	if err != nil {
		t.Skipf("NATS server not available: %v", err)
		return
	}
	defer broker.Close()

	receipt, err := broker.Publish(ctx, "acct-7", []byte("first"), map[string]string{"type": "deposit"})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.False(t, receipt.Duplicate)

	sub, err := broker.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, receipt.MessageID, d.ID)
	assert.Equal(t, "acct-7", d.OrderingKey)
	assert.Equal(t, "deposit", d.Attribute("type"))
	assert.Equal(t, 1, d.Attempt)

	require.NoError(t, d.Ack(ctx))
	require.NoError(t, broker.UpdateQueueMetrics(ctx))
}
