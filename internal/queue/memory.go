package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderedsub/orderedsub/internal/models"
)

var (
	// ErrBrokerClosed is returned when operations are attempted on a closed broker.
	ErrBrokerClosed = errors.New("broker is closed")

	// ErrSubscriptionClosed is returned by Next on a subscription that was
	// closed or replaced by a newer one.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrUnknownMessage is returned by Redeliver for an ID never published.
	ErrUnknownMessage = errors.New("unknown message")
)

// MemoryConfig configures the in-memory broker.
type MemoryConfig struct {
	// RedeliveryDelay is how long a nacked message waits before it is
	// delivered again.
	RedeliveryDelay time.Duration

	// MaxDeliver drops a message nacked on its MaxDeliver-th delivery
	// instead of redelivering it; zero redelivers forever.
	MaxDeliver int
}

type memoryRecord struct {
	msg       models.Message
	delivered int
	acked     bool
}

// MemoryBroker is an in-process broker with at-least-once semantics: acked
// messages are removed, nacked messages are delivered again. It preserves
// publish order for the initial delivery and lets tests inject duplicates and
// transport failures.
type MemoryBroker struct {
	config MemoryConfig

	mu       sync.Mutex
	records  map[string]*memoryRecord
	ready    []string
	notify   chan struct{}
	active   *memorySubscription
	sequence uint64
	closed   bool

	failSubscribe int
	failNext      []error
	failAcks      int

	acked        int
	nacked       int
	deadLettered []string
	ackOrder     []string
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(config MemoryConfig) *MemoryBroker {
	return &MemoryBroker{
		config:  config,
		records: make(map[string]*memoryRecord),
		notify:  make(chan struct{}),
	}
}

// Publish appends a message to the ready queue.
func (b *MemoryBroker) Publish(ctx context.Context, orderingKey string, payload []byte, attributes map[string]string) (*models.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg := models.Message{
		ID:          uuid.NewString(),
		OrderingKey: orderingKey,
		Payload:     append([]byte(nil), payload...),
		Attributes:  maps.Clone(attributes),
		PublishedAt: time.Now(),
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	b.sequence++
	b.records[msg.ID] = &memoryRecord{msg: msg}
	b.pushLocked(msg.ID)

	return &models.Receipt{MessageID: msg.ID, Sequence: b.sequence, Timestamp: msg.PublishedAt}, nil
}

// Subscribe returns a new subscription. Any previous subscription is closed;
// messages it delivered stay outstanding until settled.
func (b *MemoryBroker) Subscribe(ctx context.Context) (models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if b.failSubscribe > 0 {
		b.failSubscribe--
		return nil, errors.New("memory broker: subscribe refused")
	}

	sub := &memorySubscription{broker: b}
	b.active = sub
	b.wakeLocked()
	return sub, nil
}

// Redeliver forces another delivery of a published message, acked or not.
func (b *MemoryBroker) Redeliver(messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[messageID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	b.pushLocked(messageID)
	return nil
}

// FailSubscribe makes the next n Subscribe calls fail.
func (b *MemoryBroker) FailSubscribe(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubscribe = n
}

// FailNext makes the next Next call on the active subscription return err.
func (b *MemoryBroker) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = append(b.failNext, err)
	b.wakeLocked()
}

// FailAcks makes the next n ack calls fail.
func (b *MemoryBroker) FailAcks(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAcks = n
}

// Acked returns the number of successful acks.
func (b *MemoryBroker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Nacked returns the number of nacks.
func (b *MemoryBroker) Nacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacked
}

// DeadLettered returns the IDs dropped after MaxDeliver deliveries.
func (b *MemoryBroker) DeadLettered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deadLettered...)
}

// AckOrder returns message IDs in the order they were acked.
func (b *MemoryBroker) AckOrder() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ackOrder...)
}

// Outstanding returns the number of published messages not yet acked.
func (b *MemoryBroker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.records {
		if !r.acked {
			n++
		}
	}
	return n
}

// Close shuts the broker down; pending Next calls return ErrBrokerClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.active = nil
	b.wakeLocked()
	return nil
}

func (b *MemoryBroker) pushLocked(id string) {
	b.ready = append(b.ready, id)
	b.wakeLocked()
}

func (b *MemoryBroker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *MemoryBroker) ack(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAcks > 0 {
		b.failAcks--
		return errors.New("memory broker: ack timed out")
	}
	if r, ok := b.records[id]; ok {
		r.acked = true
	}
	b.acked++
	b.ackOrder = append(b.ackOrder, id)
	return nil
}

func (b *MemoryBroker) nack(id string, final bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked++
	if b.closed {
		return nil
	}
	if final {
		b.deadLettered = append(b.deadLettered, id)
		return nil
	}
	if b.config.RedeliveryDelay <= 0 {
		b.pushLocked(id)
		return nil
	}
	time.AfterFunc(b.config.RedeliveryDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.closed {
			b.pushLocked(id)
		}
	})
	return nil
}

type memoryHandle struct {
	broker  *MemoryBroker
	id      string
	attempt int
}

func (h *memoryHandle) Ack(context.Context) error { return h.broker.ack(h.id) }

func (h *memoryHandle) Nack(context.Context) error { return h.broker.nack(h.id, h.Final()) }

// Final reports whether a nack of this delivery drops the message.
func (h *memoryHandle) Final() bool {
	return h.broker.config.MaxDeliver > 0 && h.attempt >= h.broker.config.MaxDeliver
}

type memorySubscription struct {
	broker *MemoryBroker
}

func (s *memorySubscription) Next(ctx context.Context) (*models.Delivery, error) {
	b := s.broker
	for {
		b.mu.Lock()
		switch {
		case b.closed:
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		case b.active != s:
			b.mu.Unlock()
			return nil, ErrSubscriptionClosed
		case len(b.failNext) > 0:
			err := b.failNext[0]
			b.failNext = b.failNext[1:]
			b.active = nil
			b.mu.Unlock()
			return nil, err
		case len(b.ready) > 0:
			id := b.ready[0]
			b.ready = b.ready[1:]
			r := b.records[id]
			r.delivered++
			msg := r.msg
			msg.Attributes = maps.Clone(r.msg.Attributes)
			attempt := r.delivered
			b.mu.Unlock()

			return models.NewDelivery(msg, uuid.NewString(), attempt, &memoryHandle{
				broker:  b,
				id:      id,
				attempt: attempt,
			}), nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memorySubscription) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == s {
		b.active = nil
		b.wakeLocked()
	}
	return nil
}
