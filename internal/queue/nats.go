package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/orderedsub/orderedsub/internal/models"
)

const (
	// Stream names
	DefaultStreamName = "ORDERED"
	StreamNameDLQ     = "ORDERED_DLQ"

	// Subject names
	DefaultSubject = "ordered.messages"
	SubjectDLQ     = "ordered.dlq"

	// Consumer names
	DefaultConsumerName = "orderedsub"

	// Configuration defaults
	DefaultMaxDeliver      = -1 // ordered keys wait for their redelivery, so never give up by default
	DefaultAckWait         = 30 * time.Second
	DefaultMaxAckPending   = 1000
	DefaultStreamRetention = 7 * 24 * time.Hour
	DefaultDuplicateWindow = 2 * time.Minute
	DefaultPublishRetries  = 3
)

// NATSConfig holds configuration for the NATS JetStream connection
type NATSConfig struct {
	URL             string
	Stream          string
	Subject         string
	Consumer        string
	StreamRetention time.Duration
	DuplicateWindow time.Duration
	MaxDeliver      int
	AckWait         time.Duration
	MaxAckPending   int
	NakDelay        time.Duration
	EnableDLQ       bool
	ReconnectWait   time.Duration
	MaxReconnects   int
	PublishRetries  int
	Logger          logrus.FieldLogger
}

// DefaultNATSConfig returns a NATSConfig with local defaults
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:             nats.DefaultURL,
		Stream:          DefaultStreamName,
		Subject:         DefaultSubject,
		Consumer:        DefaultConsumerName,
		StreamRetention: DefaultStreamRetention,
		DuplicateWindow: DefaultDuplicateWindow,
		MaxDeliver:      DefaultMaxDeliver,
		AckWait:         DefaultAckWait,
		MaxAckPending:   DefaultMaxAckPending,
		EnableDLQ:       true,
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   -1, // Unlimited reconnects
		PublishRetries:  DefaultPublishRetries,
	}
}

// NATSBroker publishes and consumes ordered messages over NATS JetStream.
//
// The ordering key travels in the Ordering-Key header and the message ID in
// Nats-Msg-Id, which also lets the stream drop duplicate publishes inside the
// duplicate window.
type NATSBroker struct {
	config *NATSConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	logger logrus.FieldLogger

	consumerMu sync.Mutex
	consumer   jetstream.Consumer
}

// NewNATSBroker connects to NATS and creates the streams
func NewNATSBroker(ctx context.Context, config *NATSConfig) (*NATSBroker, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	b := &NATSBroker{
		config: config,
		logger: logger.WithField("component", "nats"),
	}

	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if err := b.createStreams(ctx); err != nil {
		b.nc.Close()
		return nil, fmt.Errorf("failed to create streams: %w", err)
	}

	return b, nil
}

// connect establishes the connection to the NATS server
func (b *NATSBroker) connect() error {
	opts := []nats.Option{
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			natsDisconnectsTotal.Inc()
			if err != nil {
				b.logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
			natsReconnectsTotal.Inc()
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", b.config.URL, err)
	}
	b.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	b.js = js
	return nil
}

// createStreams creates the message stream and, when enabled, the DLQ stream
func (b *NATSBroker) createStreams(ctx context.Context) error {
	stream := jetstream.StreamConfig{
		Name:        b.config.Stream,
		Subjects:    []string{b.config.Subject},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      b.config.StreamRetention,
		Duplicates:  b.config.DuplicateWindow,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		Description: "Ordered messages with at-least-once delivery",
	}
	if _, err := b.js.CreateOrUpdateStream(ctx, stream); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", b.config.Stream, err)
	}

	if b.config.EnableDLQ {
		dlq := jetstream.StreamConfig{
			Name:        StreamNameDLQ,
			Subjects:    []string{SubjectDLQ},
			Storage:     jetstream.FileStorage,
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      30 * 24 * time.Hour,
			Replicas:    1,
			Description: "Dead letter queue for messages that exhausted their deliveries",
		}
		if _, err := b.js.CreateOrUpdateStream(ctx, dlq); err != nil {
			return fmt.Errorf("failed to create DLQ stream: %w", err)
		}
	}
	return nil
}

// Publish publishes a message with an optional ordering key. Transient
// failures are retried under the same message ID, so a retry that races a
// slow success is dropped by the stream's duplicate window.
func (b *NATSBroker) Publish(ctx context.Context, orderingKey string, payload []byte, attributes map[string]string) (*models.Receipt, error) {
	msg := models.Message{
		ID:          uuid.NewString(),
		OrderingKey: orderingKey,
		Payload:     payload,
		Attributes:  attributes,
	}
	if err := msg.Validate(); err != nil {
		publishesTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	out := nats.NewMsg(b.config.Subject)
	out.Data = payload
	out.Header = headersFor(msg)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	ack, err := backoff.Retry(ctx, func() (*jetstream.PubAck, error) {
		ack, err := b.js.PublishMsg(ctx, out)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return ack, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(b.config.PublishRetries)+1))
	if err != nil {
		publishesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	publishesTotal.WithLabelValues("ok").Inc()
	return &models.Receipt{
		MessageID: msg.ID,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
		Timestamp: time.Now(),
	}, nil
}

// Subscribe binds the durable pull consumer and returns an iterator over its
// messages. Each call creates a fresh iterator; unacknowledged messages of a
// previous one are redelivered after AckWait.
func (b *NATSBroker) Subscribe(ctx context.Context) (models.Subscription, error) {
	b.consumerMu.Lock()
	defer b.consumerMu.Unlock()

	consumerConfig := jetstream.ConsumerConfig{
		Name:          b.config.Consumer,
		Durable:       b.config.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    b.config.MaxDeliver,
		AckWait:       b.config.AckWait,
		MaxAckPending: b.config.MaxAckPending,
		FilterSubject: b.config.Subject,
		Description:   "Ordered subscriber with explicit acknowledgment",
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.config.Stream, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	b.consumer = consumer

	it, err := consumer.Messages(jetstream.PullMaxMessages(b.config.MaxAckPending))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return &natsSubscription{broker: b, it: it}, nil
}

type natsSubscription struct {
	broker *NATSBroker
	it     jetstream.MessagesContext
}

// Next blocks for the next message. Cancelling ctx stops the iterator.
func (s *natsSubscription) Next(ctx context.Context) (*models.Delivery, error) {
	stop := context.AfterFunc(ctx, s.it.Stop)
	defer stop()

	for {
		m, err := s.it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		md, err := m.Metadata()
		if err != nil {
			// not a JetStream message; terminate it so it is not redelivered
			s.broker.logger.WithError(err).Warn("Dropping message without metadata")
			_ = m.Term()
			continue
		}

		msg := messageFromHeaders(m.Headers(), m.Data(), md)
		return models.NewDelivery(msg, uuid.NewString(), int(md.NumDelivered), &natsHandle{
			broker: s.broker,
			msg:    m,
			meta:   md,
			data:   msg,
		}), nil
	}
}

func (s *natsSubscription) Close() error {
	s.it.Stop()
	return nil
}

type natsHandle struct {
	broker *NATSBroker
	msg    jetstream.Msg
	meta   *jetstream.MsgMetadata
	data   models.Message

	// dlqSent keeps a retried Nack from copying the message to the DLQ twice
	dlqSent bool
}

// Ack waits for the server to confirm the acknowledgment.
func (h *natsHandle) Ack(ctx context.Context) error {
	return h.msg.DoubleAck(ctx)
}

// Nack requests redelivery. On the last allowed delivery the message is
// copied to the DLQ and terminated instead.
func (h *natsHandle) Nack(ctx context.Context) error {
	cfg := h.broker.config
	if cfg.EnableDLQ && h.Final() {
		if !h.dlqSent {
			reason := fmt.Sprintf("processing failed after %d deliveries", h.meta.NumDelivered)
			if err := h.broker.sendToDLQ(ctx, h.data, int(h.meta.NumDelivered), reason); err != nil {
				return err
			}
			h.dlqSent = true
			h.broker.logger.WithFields(logrus.Fields{
				"key":        h.data.OrderingKey,
				"message_id": h.data.ID,
			}).Warn("Message exceeded max deliveries, sent to DLQ")
		}
		return h.msg.Term()
	}
	if cfg.NakDelay > 0 {
		return h.msg.NakWithDelay(cfg.NakDelay)
	}
	return h.msg.Nak()
}

// Final reports whether this is the last delivery JetStream will make.
func (h *natsHandle) Final() bool {
	maxDeliver := h.broker.config.MaxDeliver
	return maxDeliver > 0 && h.meta.NumDelivered >= uint64(maxDeliver)
}

// headersFor builds the NATS headers carrying a message's identity and
// attributes
func headersFor(msg models.Message) nats.Header {
	h := nats.Header{}
	for k, v := range msg.Attributes {
		h.Set(k, v)
	}
	h.Set(nats.MsgIdHdr, msg.ID)
	if msg.OrderingKey != "" {
		h.Set(models.HeaderOrderingKey, msg.OrderingKey)
	}
	return h
}

// messageFromHeaders rebuilds a message from a JetStream delivery. Messages
// published without Nats-Msg-Id are identified by stream and sequence.
func messageFromHeaders(h nats.Header, data []byte, md *jetstream.MsgMetadata) models.Message {
	msg := models.Message{
		ID:          h.Get(nats.MsgIdHdr),
		OrderingKey: h.Get(models.HeaderOrderingKey),
		Payload:     data,
		PublishedAt: md.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s:%d", md.Stream, md.Sequence.Stream)
	}

	for k, vs := range h {
		if len(vs) == 0 || k == nats.MsgIdHdr || k == models.HeaderOrderingKey || strings.HasPrefix(k, "Nats-") {
			continue
		}
		if msg.Attributes == nil {
			msg.Attributes = make(map[string]string, len(h))
		}
		msg.Attributes[k] = vs[0]
	}
	return msg
}

// DLQMessage is a dead-lettered message with the reason it was dropped
type DLQMessage struct {
	MessageID   string            `json:"message_id"`
	OrderingKey string            `json:"ordering_key,omitempty"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Deliveries  int               `json:"deliveries"`
	Reason      string            `json:"reason"`
	Timestamp   time.Time         `json:"timestamp"`
}

// sendToDLQ publishes a copy of msg to the dead letter queue
func (b *NATSBroker) sendToDLQ(ctx context.Context, msg models.Message, deliveries int, reason string) error {
	data, err := json.Marshal(DLQMessage{
		MessageID:   msg.ID,
		OrderingKey: msg.OrderingKey,
		Payload:     msg.Payload,
		Attributes:  msg.Attributes,
		Deliveries:  deliveries,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}

	if _, err := b.js.Publish(ctx, SubjectDLQ, data); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	dlqMessagesTotal.Inc()
	return nil
}

// ListDLQMessages returns up to limit dead-lettered messages
func (b *NATSBroker) ListDLQMessages(ctx context.Context, limit int) ([]DLQMessage, error) {
	if !b.config.EnableDLQ {
		return nil, errors.New("DLQ is not enabled")
	}

	stream, err := b.js.Stream(ctx, StreamNameDLQ)
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ stream: %w", err)
	}

	consumer, err := stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: SubjectDLQ,
		AckPolicy:     jetstream.AckNonePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	batch, err := consumer.FetchNoWait(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from DLQ: %w", err)
	}

	var messages []DLQMessage
	for m := range batch.Messages() {
		var dm DLQMessage
		if err := json.Unmarshal(m.Data(), &dm); err != nil {
			continue
		}
		messages = append(messages, dm)
	}
	return messages, batch.Error()
}

// RepublishFromDLQ publishes a dead-lettered message again under its ordering
// key and removes it from the DLQ. The key's subscriber has to be released
// for the republished copy to be dispatched after later messages.
func (b *NATSBroker) RepublishFromDLQ(ctx context.Context, messageID string) (*models.Receipt, error) {
	if !b.config.EnableDLQ {
		return nil, errors.New("DLQ is not enabled")
	}

	stream, err := b.js.Stream(ctx, StreamNameDLQ)
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ stream: %w", err)
	}

	consumer, err := stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: SubjectDLQ,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	batch, err := consumer.FetchNoWait(100)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from DLQ: %w", err)
	}

	for m := range batch.Messages() {
		var dm DLQMessage
		if err := json.Unmarshal(m.Data(), &dm); err != nil || dm.MessageID != messageID {
			_ = m.Nak()
			continue
		}

		receipt, err := b.Publish(ctx, dm.OrderingKey, dm.Payload, dm.Attributes)
		if err != nil {
			_ = m.Nak()
			return nil, fmt.Errorf("failed to republish message: %w", err)
		}
		if err := m.Ack(); err != nil {
			b.logger.WithError(err).WithField("message_id", messageID).Warn("Failed to ack DLQ message")
		}
		b.logger.WithFields(logrus.Fields{
			"message_id":     messageID,
			"new_message_id": receipt.MessageID,
			"key":            dm.OrderingKey,
		}).Info("Republished message from DLQ")
		return receipt, nil
	}

	return nil, fmt.Errorf("message with ID %s not found in DLQ", messageID)
}

// ConsumerInfo returns information about the durable consumer
func (b *NATSBroker) ConsumerInfo(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	b.consumerMu.Lock()
	defer b.consumerMu.Unlock()

	if b.consumer == nil {
		return nil, errors.New("consumer not initialized")
	}
	return b.consumer.Info(ctx)
}

// UpdateQueueMetrics refreshes the stream lag gauges. Call it periodically.
func (b *NATSBroker) UpdateQueueMetrics(ctx context.Context) error {
	info, err := b.ConsumerInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}

	queueLagMessages.Set(float64(info.NumPending))
	queueAckPendingMessages.Set(float64(info.NumAckPending))
	return nil
}

// Close drains the connection
func (b *NATSBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
