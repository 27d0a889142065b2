// Package dispatch pulls deliveries from a source, routes them through the
// per-key sequencer and runs handlers so that messages sharing an ordering key
// are handled one at a time in arrival order while distinct keys run in
// parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/orderedsub/orderedsub/internal/ackctl"
	"github.com/orderedsub/orderedsub/internal/handler"
	"github.com/orderedsub/orderedsub/internal/models"
	"github.com/orderedsub/orderedsub/internal/sequencer"
	"github.com/orderedsub/orderedsub/internal/tracing"
)

// Engine is the subscriber-side ordered delivery engine.
type Engine struct {
	src     models.Source
	handler handler.Handler
	opts    Options
	logger  logrus.FieldLogger

	seq  *sequencer.Sequencer
	acks *ackctl.Controller
	pool *ants.Pool

	// running holds the key of every handler call in progress
	running sync.Map

	started atomic.Bool
	workers sync.WaitGroup

	// kickMu orders worker starts against the shutdown drain
	kickMu sync.RWMutex

	// handler calls run under workCtx, which outlives the Run context by
	// the shutdown grace period
	workCtx    context.Context
	workCancel context.CancelFunc
	settleCtx  context.Context

	fatalOnce sync.Once
	fatal     chan error
}

// New creates an engine that consumes src and invokes h.
func New(src models.Source, h handler.Handler, opts ...Option) (*Engine, error) {
	if src == nil {
		return nil, errors.New("source is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}

	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	o.applyDefaults()

	seq, err := sequencer.New(sequencer.Config{
		MaxBufferedPerKey: o.MaxBufferedPerKey,
		Pause:             o.Pause,
		Clock:             o.Clock,
	})
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(o.Workers, ants.WithPanicHandler(func(p any) {
		o.Logger.WithField("panic", p).Error("Worker panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	e := &Engine{
		src:       src,
		handler:   handler.Chain(h, handler.Recover(), handler.Timeout(o.HandlerTimeout)),
		opts:      o,
		logger:    o.Logger,
		seq:       seq,
		acks:      ackctl.New(seq, o.Ledger, o.Logger, o.Ack),
		pool:      pool,
		settleCtx: context.Background(),
		fatal:     make(chan error, 1),
	}
	e.workCtx, e.workCancel = context.WithCancel(context.Background())
	return e, nil
}

// Run consumes the source until ctx is cancelled, the transport stays down
// past the reconnect budget, or an ordering violation is detected. It returns
// nil on a clean shutdown. An engine can only be run once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	defer e.workCancel()

	pullCtx, cancelPull := context.WithCancel(ctx)
	defer cancelPull()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		e.sweep(pullCtx)
	}()

	e.logger.WithFields(logrus.Fields{
		"overflow":             e.opts.Overflow,
		"max_buffered_per_key": e.opts.MaxBufferedPerKey,
		"pause_policy":         e.opts.Pause.Mode,
		"workers":              e.opts.Workers,
	}).Info("Dispatch engine started")

	pullErr := make(chan error, 1)
	go func() {
		pullErr <- e.pull(pullCtx)
	}()

	var err error
	select {
	case err = <-pullErr:
	case err = <-e.fatal:
		cancelPull()
		<-pullErr
	}
	cancelPull()
	<-sweepDone

	e.shutdown()

	if err == nil {
		select {
		case err = <-e.fatal:
		default:
		}
	}
	if err != nil {
		e.logger.WithError(err).Error("Dispatch engine stopped")
	} else {
		e.logger.Info("Dispatch engine stopped")
	}
	return err
}

// pull subscribes and ingests deliveries, re-subscribing with backoff after
// transport failures. Consecutive failures without any delivery in between
// count against the reconnect budget.
func (e *Engine) pull(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.Reconnect.Initial
	b.MaxInterval = e.opts.Reconnect.Max
	b.Multiplier = e.opts.Reconnect.Multiplier

	failures := 0
	for {
		sub, err := e.src.Subscribe(ctx)
		if err == nil {
			var progressed bool
			progressed, err = e.consume(ctx, sub)
			if cerr := sub.Close(); cerr != nil {
				e.logger.WithError(cerr).Debug("Failed to close subscription")
			}
			if progressed {
				failures = 0
				b.Reset()
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		subscribeReconnectsTotal.Inc()
		if limit := e.opts.Reconnect.MaxAttempts; limit > 0 && failures >= limit {
			return fmt.Errorf("%w: giving up after %d attempts: %w", ErrTransport, failures, err)
		}

		wait := b.NextBackOff()
		e.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": failures,
			"backoff": wait,
		}).Warn("Subscription failed, reconnecting")

		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// consume ingests deliveries until the subscription fails or ctx ends.
func (e *Engine) consume(ctx context.Context, sub models.Subscription) (bool, error) {
	progressed := false
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return progressed, err
		}
		progressed = true
		e.ingest(ctx, d)
	}
}

// ingest admits one delivery into its key's buffer and kicks the key.
func (e *Engine) ingest(ctx context.Context, d *models.Delivery) {
	deliveriesReceivedTotal.Inc()

	key := d.OrderingKey
	if !d.HasOrderingKey() {
		// deliveries of one message share a lane so duplicates merge
		laneID := d.ID
		if laneID == "" {
			laneID = d.DeliveryID
		}
		key = sequencer.LaneKey(laneID)
	}
	log := e.logger.WithFields(logrus.Fields{
		"key":         d.OrderingKey,
		"message_id":  d.ID,
		"delivery_id": d.DeliveryID,
		"attempt":     d.Attempt,
	})

	if d.ID != "" {
		seen, err := e.opts.Ledger.Seen(ctx, d.ID)
		switch {
		case err != nil:
			log.WithError(err).Warn("Dedup ledger lookup failed, treating message as new")
		case seen:
			deduplicatedTotal.WithLabelValues("ledger").Inc()
			log.Debug("Message already processed, acking duplicate")
			e.acks.Ack(e.settleCtx, d)
			return
		}
	}

	var (
		adm sequencer.Admission
		err error
	)
	if e.opts.Overflow == OverflowBlock {
		adm, err = e.seq.EnqueueWait(ctx, key, d)
	} else {
		adm, err = e.seq.Enqueue(key, d)
	}

	switch {
	case err == nil:
	case errors.Is(err, sequencer.ErrCapacity):
		admissionRejectionsTotal.WithLabelValues("capacity").Inc()
		log.Warn("Key buffer full, nacking delivery")
		e.nackRejected(key, d)
		return
	case errors.Is(err, sequencer.ErrOutOfTurn):
		admissionRejectionsTotal.WithLabelValues("out_of_turn").Inc()
		log.Debug("Delivery arrived ahead of rejected predecessors, nacking")
		e.nackRejected(key, d)
		return
	default:
		admissionRejectionsTotal.WithLabelValues("shutdown").Inc()
		e.acks.Nack(e.settleCtx, d)
		return
	}

	if adm == sequencer.Merged {
		deduplicatedTotal.WithLabelValues("merged").Inc()
		return
	}
	e.kick(key)
}

// nackRejected nacks a delivery refused at admission. When the broker will
// not redeliver it and the key holds back successors for it, the key is stuck
// until an operator releases it.
func (e *Engine) nackRejected(key string, d *models.Delivery) {
	final := d.Final() && e.seq.Expects(key, d.ID)
	e.acks.Nack(e.settleCtx, d)
	if final {
		e.stuck(key, d.ID, "rejected delivery was dead-lettered")
	}
}

func (e *Engine) stuck(key, messageID, reason string) {
	e.logger.WithFields(logrus.Fields{
		"key":        key,
		"message_id": messageID,
		"reason":     reason,
	}).Error("Key is waiting for a message the broker will not redeliver, release it to continue")
	e.emit(models.KeyEvent{
		Type:      models.KeyEventStuck,
		Key:       key,
		MessageID: messageID,
		Error:     reason,
		Timestamp: e.opts.Clock(),
	})
}

// kick starts a worker for key when the key has dispatchable work.
func (e *Engine) kick(key string) {
	e.kickMu.RLock()
	defer e.kickMu.RUnlock()

	entry := e.seq.TryAdvance(key)
	if entry == nil {
		return
	}

	e.workers.Add(1)
	err := e.pool.Submit(func() {
		defer e.workers.Done()
		e.work(key, entry)
	})
	if err != nil {
		e.workers.Done()
		e.logger.WithError(err).WithField("key", key).Error("Failed to submit key worker")
		e.finish(key, entry, fmt.Errorf("submit worker: %w", err))
	}
}

// work handles entries of one key until the key has no dispatchable work.
func (e *Engine) work(key string, entry *sequencer.Entry) {
	for entry != nil {
		err := e.invoke(key, entry)
		if errors.Is(err, ErrOrderingViolation) {
			return
		}
		if !e.finish(key, entry, err) {
			return
		}
		entry = e.seq.TryAdvance(key)
	}
}

// invoke runs the handler for entry and returns a *HandlerError on failure.
func (e *Engine) invoke(key string, entry *sequencer.Entry) error {
	if _, busy := e.running.LoadOrStore(key, entry.MessageID); busy {
		orderingViolationsTotal.Inc()
		err := fmt.Errorf("%w: concurrent dispatch for key %q", ErrOrderingViolation, key)
		e.fail(err)
		return err
	}
	defer e.running.Delete(key)

	msg := entry.Message()
	deliveries := entry.Deliveries()
	attempt := deliveries[len(deliveries)-1].Attempt

	ctx, span := tracing.StartHandlerSpan(e.workCtx, e.opts.Tracer, msg, attempt)
	start := time.Now()
	err := e.handler.Handle(ctx, msg)
	handlerDuration.Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)

	if err == nil {
		handlerInvocationsTotal.WithLabelValues("success").Inc()
		return nil
	}

	handlerInvocationsTotal.WithLabelValues("failure").Inc()
	herr := &HandlerError{Key: msg.OrderingKey, MessageID: msg.ID, Attempt: attempt, Err: err}

	log := e.logger.WithError(err).WithFields(logrus.Fields{
		"key":        msg.OrderingKey,
		"message_id": msg.ID,
		"attempt":    attempt,
	})
	var recErr *handler.RecoveryError
	if errors.As(err, &recErr) {
		log = log.WithField("stack", recErr.StackTrace)
	}
	log.Warn("Handler failed")
	return herr
}

// finish settles entry and applies the outcome to its key. It reports whether
// the key may continue on this worker.
func (e *Engine) finish(key string, entry *sequencer.Entry, herr error) bool {
	out, err := e.acks.RecordOutcome(e.settleCtx, key, entry, herr)
	if err != nil {
		orderingViolationsTotal.Inc()
		e.fail(fmt.Errorf("%w: outcome for key %q: %w", ErrOrderingViolation, key, err))
		return false
	}
	if herr == nil {
		return true
	}

	now := e.opts.Clock()
	e.emit(models.KeyEvent{
		Type:      models.KeyEventFailed,
		Key:       entry.Message().OrderingKey,
		MessageID: entry.MessageID,
		Error:     herr.Error(),
		Timestamp: now,
	})
	if !out.Paused {
		return !out.Removed
	}

	event := models.KeyEvent{
		Type:      models.KeyEventPaused,
		Key:       key,
		MessageID: entry.MessageID,
		Error:     herr.Error(),
		Timestamp: now,
	}
	if st, err := e.seq.Status(key); err == nil {
		event.Failures = st.Failures
	}
	if out.ResumeAfter > 0 {
		event.ResumeAt = now.Add(out.ResumeAfter)
		time.AfterFunc(out.ResumeAfter, func() {
			if e.seq.ResumeIfDue(key, e.opts.Clock()) {
				e.resumed(key)
			}
		})
	}
	e.logger.WithFields(logrus.Fields{
		"key":          key,
		"message_id":   entry.MessageID,
		"failures":     event.Failures,
		"resume_after": out.ResumeAfter,
	}).Warn("Key paused")
	e.emit(event)

	for _, d := range out.Deliveries {
		if d.Final() && e.seq.Expects(key, entry.MessageID) {
			e.stuck(key, entry.MessageID, "failed message was dead-lettered")
			break
		}
	}
	return false
}

func (e *Engine) resumed(key string) {
	e.logger.WithField("key", key).Info("Key resumed")
	e.emit(models.KeyEvent{Type: models.KeyEventResumed, Key: key, Timestamp: e.opts.Clock()})
	e.kick(key)
}

// sweep resumes keys whose pause expired, evicts idle keys and refreshes the
// key gauges.
func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := e.opts.Clock()
		for _, key := range e.seq.ResumeDue(now) {
			e.resumed(key)
		}
		if e.opts.KeyIdleTimeout > 0 {
			for _, key := range e.seq.Evict(now, e.opts.KeyIdleTimeout) {
				e.emit(models.KeyEvent{Type: models.KeyEventEvicted, Key: key, Timestamp: now})
			}
		}
		e.refreshGauges()
	}
}

func (e *Engine) refreshGauges() {
	snapshot := e.seq.Snapshot()
	paused := 0
	for _, st := range snapshot {
		if st.Paused || st.Awaiting != "" {
			paused++
		}
	}
	activeKeys.Set(float64(len(snapshot)))
	pausedKeys.Set(float64(paused))
	bufferedMessages.Set(float64(e.seq.Buffered()))
}

// shutdown nacks buffered entries, gives in-flight handlers the grace period
// and then cancels them.
func (e *Engine) shutdown() {
	e.kickMu.Lock()
	drained := e.seq.Drain()
	e.kickMu.Unlock()

	for _, entry := range drained {
		for _, d := range entry.Deliveries() {
			e.acks.Nack(e.settleCtx, d)
		}
	}
	if len(drained) > 0 {
		e.logger.WithField("entries", len(drained)).Info("Nacked buffered messages on shutdown")
	}

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.opts.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		e.logger.WithField("grace", e.opts.ShutdownGrace).Warn("Shutdown grace expired, cancelling in-flight handlers")
		e.workCancel()
		<-done
	}

	e.pool.Release()
	e.refreshGauges()
}

func (e *Engine) fail(err error) {
	e.fatalOnce.Do(func() {
		e.logger.WithError(err).Error("Stopping dispatch engine")
		e.fatal <- err
	})
}

func (e *Engine) emit(event models.KeyEvent) {
	keyEventsTotal.WithLabelValues(string(event.Type)).Inc()
	if e.opts.Events != nil {
		e.opts.Events.PublishKeyEvent(event)
	}
}

// Resume clears a key's pause and dispatches its next message if one is
// ready. The key still waits for the redelivery of its failed message.
func (e *Engine) Resume(key string) error {
	if _, err := e.seq.Resume(key); err != nil {
		return err
	}
	e.resumed(key)
	return nil
}

// Release resumes a key and stops waiting for redeliveries it expected. Use
// it when the broker dropped or dead-lettered the failed message.
func (e *Engine) Release(key string) error {
	if _, err := e.seq.Release(key); err != nil {
		return err
	}
	e.logger.WithField("key", key).Warn("Key released, ordering not enforced for messages it was waiting for")
	e.emit(models.KeyEvent{Type: models.KeyEventReleased, Key: key, Timestamp: e.opts.Clock()})
	e.kick(key)
	return nil
}

// Status returns the state of one key.
func (e *Engine) Status(key string) (sequencer.KeyStatus, error) {
	return e.seq.Status(key)
}

// Snapshot returns the state of every tracked key.
func (e *Engine) Snapshot() []sequencer.KeyStatus {
	return e.seq.Snapshot()
}

// Buffered returns the number of messages waiting in key buffers.
func (e *Engine) Buffered() int64 {
	return e.seq.Buffered()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
