// Package ackctl settles deliveries with the broker once their handler
// outcome is known and tells the sequencer what to do with the key next.
package ackctl

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/orderedsub/orderedsub/internal/dedup"
	"github.com/orderedsub/orderedsub/internal/models"
	"github.com/orderedsub/orderedsub/internal/sequencer"
)

const (
	opAck  = "ack"
	opNack = "nack"

	resultOK        = "ok"
	resultExhausted = "exhausted"
	resultSettled   = "already_settled"
)

// Config bounds settlement retries.
type Config struct {
	// RetryBudget is the number of attempts per ack or nack, at least 1.
	RetryBudget  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultConfig returns five attempts starting at 50ms.
func DefaultConfig() Config {
	return Config{
		RetryBudget:  5,
		RetryInitial: 50 * time.Millisecond,
		RetryMax:     time.Second,
	}
}

// Controller implements ack-on-success and nack-on-failure.
type Controller struct {
	seq    *sequencer.Sequencer
	ledger dedup.Ledger
	logger logrus.FieldLogger
	cfg    Config
}

// New creates a controller. ledger and logger may be nil.
func New(seq *sequencer.Sequencer, ledger dedup.Ledger, logger logrus.FieldLogger, cfg Config) *Controller {
	if ledger == nil {
		ledger = dedup.Nop{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	def := DefaultConfig()
	if cfg.RetryBudget < 1 {
		cfg.RetryBudget = def.RetryBudget
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = max(def.RetryMax, cfg.RetryInitial)
	}
	return &Controller{seq: seq, ledger: ledger, logger: logger, cfg: cfg}
}

// RecordOutcome settles every delivery instance of e according to handlerErr
// and records the outcome with the sequencer.
//
// On success the message ID is written to the dedup ledger, the entry is
// sealed against further duplicates and each instance is acked before the key
// may advance. An ack that stays failed after the retry budget is logged as
// delivery risk; it does not turn the success into a failure. On failure the
// key is paused first and each instance is then nacked, so a fast redelivery
// already finds the key waiting for it. A nack that cannot be delivered leaves
// redelivery to the broker's ack deadline.
//
// The returned error is non-nil only when the sequencer rejects the outcome,
// which means e was not the key's in-flight entry.
func (c *Controller) RecordOutcome(ctx context.Context, key string, e *sequencer.Entry, handlerErr error) (sequencer.Outcome, error) {
	if handlerErr != nil {
		out, err := c.seq.OnOutcome(key, e, handlerErr)
		if err != nil {
			return out, err
		}
		for _, d := range out.Deliveries {
			c.Nack(ctx, d)
		}
		return out, nil
	}

	if e.MessageID != "" {
		if err := c.ledger.Record(ctx, e.MessageID, e.Message().OrderingKey); err != nil {
			ledgerErrorsTotal.Inc()
			c.logger.WithError(err).WithFields(logrus.Fields{
				"key":        key,
				"message_id": e.MessageID,
			}).Warn("Failed to record processed message")
		}
	}

	deliveries, err := c.seq.Seal(key, e)
	if err != nil {
		return sequencer.Outcome{}, err
	}
	for _, d := range deliveries {
		c.Ack(ctx, d)
	}
	return c.seq.OnOutcome(key, e, nil)
}

// Ack acknowledges d with retry. It reports whether the ack went through.
func (c *Controller) Ack(ctx context.Context, d *models.Delivery) bool {
	return c.settle(ctx, opAck, d, d.Ack)
}

// Nack requests redelivery of d with retry. It reports whether the nack went
// through.
func (c *Controller) Nack(ctx context.Context, d *models.Delivery) bool {
	return c.settle(ctx, opNack, d, d.Nack)
}

func (c *Controller) settle(ctx context.Context, op string, d *models.Delivery, fn func(context.Context) error) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			settleRetriesTotal.WithLabelValues(op).Inc()
		}
		err := fn(ctx)
		if errors.Is(err, models.ErrAlreadySettled) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.cfg.RetryBudget)))

	if err == nil {
		settlementsTotal.WithLabelValues(op, resultOK).Inc()
		return true
	}

	entry := c.logger.WithError(err).WithFields(logrus.Fields{
		"key":         d.OrderingKey,
		"message_id":  d.ID,
		"delivery_id": d.DeliveryID,
		"attempt":     d.Attempt,
	})
	if errors.Is(err, models.ErrAlreadySettled) {
		settlementsTotal.WithLabelValues(op, resultSettled).Inc()
		entry.Error("Delivery settled twice")
		return false
	}

	settlementsTotal.WithLabelValues(op, resultExhausted).Inc()
	if op == opAck {
		entry.WithField("attempts", attempt).Error("Ack failed after retries, delivery risk: message may be redelivered")
	} else {
		entry.WithField("attempts", attempt).Warn("Nack failed after retries, broker ack deadline will redeliver")
	}
	return false
}
