package dispatch

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/orderedsub/orderedsub/internal/ackctl"
	"github.com/orderedsub/orderedsub/internal/dedup"
	"github.com/orderedsub/orderedsub/internal/models"
	"github.com/orderedsub/orderedsub/internal/sequencer"
	"github.com/orderedsub/orderedsub/internal/tracing"
)

// OverflowPolicy decides what happens to a delivery whose key buffer is full.
type OverflowPolicy string

const (
	// OverflowBlock stops pulling until the key drains.
	OverflowBlock OverflowPolicy = "block"
	// OverflowReject nacks the delivery so the broker redelivers it later.
	OverflowReject OverflowPolicy = "reject"
)

// ReconnectPolicy bounds re-subscription after transport failures.
type ReconnectPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// MaxAttempts is the number of consecutive failures tolerated; zero
	// retries forever.
	MaxAttempts int
}

// EventSink receives key state changes.
type EventSink interface {
	PublishKeyEvent(event models.KeyEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event models.KeyEvent)

func (f EventSinkFunc) PublishKeyEvent(event models.KeyEvent) { f(event) }

// Options configures an Engine.
type Options struct {
	MaxBufferedPerKey int
	Overflow          OverflowPolicy
	Pause             sequencer.PausePolicy
	KeyIdleTimeout    time.Duration
	HandlerTimeout    time.Duration
	ShutdownGrace     time.Duration
	Workers           int
	SweepInterval     time.Duration
	Reconnect         ReconnectPolicy
	Ack               ackctl.Config

	Ledger dedup.Ledger
	Logger logrus.FieldLogger
	Events EventSink
	Tracer trace.Tracer
	Clock  func() time.Time
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxBufferedPerKey: 1000,
		Overflow:          OverflowBlock,
		Pause:             sequencer.DefaultPausePolicy(),
		KeyIdleTimeout:    5 * time.Minute,
		ShutdownGrace:     10 * time.Second,
		SweepInterval:     time.Second,
		Reconnect: ReconnectPolicy{
			Initial:     500 * time.Millisecond,
			Max:         30 * time.Second,
			Multiplier:  2,
			MaxAttempts: 10,
		},
		Ack: ackctl.DefaultConfig(),
	}
}

func (o *Options) validate() error {
	switch o.Overflow {
	case OverflowBlock, OverflowReject:
	default:
		return fmt.Errorf("unknown overflow policy %q", o.Overflow)
	}
	if o.MaxBufferedPerKey < 0 {
		return fmt.Errorf("max buffered per key must not be negative, got %d", o.MaxBufferedPerKey)
	}
	if o.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", o.SweepInterval)
	}
	if o.Reconnect.Initial <= 0 || o.Reconnect.Max < o.Reconnect.Initial {
		return fmt.Errorf("invalid reconnect interval %v..%v", o.Reconnect.Initial, o.Reconnect.Max)
	}
	if o.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1, got %v", o.Reconnect.Multiplier)
	}
	if o.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must not be negative, got %d", o.Reconnect.MaxAttempts)
	}
	return o.Pause.Validate()
}

func (o *Options) applyDefaults() {
	if o.Ledger == nil {
		o.Ledger = dedup.Nop{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Tracer == nil {
		o.Tracer = tracing.GetTracer("orderedsub/dispatch")
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Option mutates Options.
type Option func(*Options)

func WithMaxBufferedPerKey(n int) Option {
	return func(o *Options) { o.MaxBufferedPerKey = n }
}

func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(o *Options) { o.Overflow = p }
}

func WithPausePolicy(p sequencer.PausePolicy) Option {
	return func(o *Options) { o.Pause = p }
}

// WithKeyIdleTimeout sets how long an idle key keeps its state; zero keeps
// idle keys until shutdown.
func WithKeyIdleTimeout(d time.Duration) Option {
	return func(o *Options) { o.KeyIdleTimeout = d }
}

// WithHandlerTimeout bounds each handler call; zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandlerTimeout = d }
}

func WithShutdownGrace(d time.Duration) Option {
	return func(o *Options) { o.ShutdownGrace = d }
}

// WithWorkers caps concurrently running keys; zero or less is unbounded.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.SweepInterval = d }
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *Options) { o.Reconnect = p }
}

func WithAckConfig(c ackctl.Config) Option {
	return func(o *Options) { o.Ack = c }
}

func WithLedger(l dedup.Ledger) Option {
	return func(o *Options) { o.Ledger = l }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithEventSink(s EventSink) Option {
	return func(o *Options) { o.Events = s }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Clock = now }
}
