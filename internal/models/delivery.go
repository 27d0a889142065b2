package models

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadySettled is returned when a delivery is acknowledged twice or
// settled in both directions.
var ErrAlreadySettled = errors.New("delivery already settled")

// Handle is the transport-side acknowledgment capability of one delivery.
type Handle interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// FinalHandle is implemented by handles that know when a nack ends the
// message's redeliveries, for example because it is dead-lettered.
type FinalHandle interface {
	Final() bool
}

type settleState int

const (
	unsettled settleState = iota
	acking
	acked
	nacking
	nacked
)

// Delivery is one delivery instance of a Message. The same Message may be
// delivered several times; each instance is settled exactly once.
type Delivery struct {
	Message

	// DeliveryID is unique per delivery instance
	DeliveryID string

	// Attempt is the broker-reported delivery count (1 on first delivery)
	Attempt int

	// ReceivedAt is when the subscriber pulled the delivery
	ReceivedAt time.Time

	handle Handle

	mu    sync.Mutex
	state settleState
}

// NewDelivery binds a message to its acknowledgment handle.
func NewDelivery(msg Message, deliveryID string, attempt int, handle Handle) *Delivery {
	return &Delivery{
		Message:    msg,
		DeliveryID: deliveryID,
		Attempt:    attempt,
		ReceivedAt: time.Now(),
		handle:     handle,
	}
}

// Ack acknowledges the delivery. A failed Ack may be retried; once an ack
// succeeded, or a nack was attempted, further calls return ErrAlreadySettled.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, acking, acked, d.handle.Ack)
}

// Nack requests redelivery. The same single-direction rule as Ack applies.
func (d *Delivery) Nack(ctx context.Context) error {
	return d.settle(ctx, nacking, nacked, d.handle.Nack)
}

// Final reports whether nacking this delivery ends redelivery of its message.
func (d *Delivery) Final() bool {
	f, ok := d.handle.(FinalHandle)
	return ok && f.Final()
}

// Settled reports whether the delivery completed an ack or a nack.
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == acked || d.state == nacked
}

// Acked reports whether the delivery was successfully acknowledged.
func (d *Delivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == acked
}

func (d *Delivery) settle(ctx context.Context, pending, done settleState, fn func(context.Context) error) error {
	d.mu.Lock()
	if d.state != unsettled && d.state != pending {
		d.mu.Unlock()
		return ErrAlreadySettled
	}
	d.state = pending
	d.mu.Unlock()

	// The handle call is made outside the lock; only one goroutine (the key's
	// worker) settles a given delivery.
	if err := fn(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.state = done
	d.mu.Unlock()
	return nil
}
