// Package handler holds the application handlers invoked for each message.
//
// Handlers must be safe for concurrent use: messages with different ordering
// keys are handled in parallel.
package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/orderedsub/orderedsub/internal/models"
)

// ErrNoHandler is returned when no handler is registered for a message type
// and the registry has no default.
var ErrNoHandler = errors.New("no handler registered for message type")

// Handler processes one message. A nil error means the message may be
// acknowledged.
type Handler interface {
	Handle(ctx context.Context, msg *models.Message) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context, msg *models.Message) error

func (f Func) Handle(ctx context.Context, msg *models.Message) error {
	return f(ctx, msg)
}

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain applies middleware so that the first one is the outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Registry routes messages to handlers by their type attribute.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates a registry. fallback handles messages whose type has
// no handler of its own; it may be nil.
func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		fallback: fallback,
	}
}

// Register adds a handler for a message type.
func (r *Registry) Register(msgType string, h Handler) error {
	if msgType == "" {
		return errors.New("message type is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[msgType]; exists {
		return fmt.Errorf("handler for %q already registered", msgType)
	}
	r.handlers[msgType] = h
	return nil
}

// Types returns the registered message types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Handle dispatches msg to the handler for its type.
func (r *Registry) Handle(ctx context.Context, msg *models.Message) error {
	msgType := msg.Attribute(models.AttributeType)

	r.mu.RLock()
	h, ok := r.handlers[msgType]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		return fmt.Errorf("%w: %q", ErrNoHandler, msgType)
	}
	return h.Handle(ctx, msg)
}

// RecoveryError wraps a panic raised by a handler.
type RecoveryError struct {
	PanicValue any
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.PanicValue)
}

// Recover converts handler panics into *RecoveryError.
func Recover() Middleware {
	return func(next Handler) Handler {
		return Func(func(ctx context.Context, msg *models.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &RecoveryError{
						PanicValue: r,
						StackTrace: string(debug.Stack()),
					}
				}
			}()
			return next.Handle(ctx, msg)
		})
	}
}

// Timeout bounds each handler call. The handler must honour ctx; the call
// fails with context.DeadlineExceeded when it returns after the deadline.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return Func(func(ctx context.Context, msg *models.Message) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			err := next.Handle(ctx, msg)
			if err == nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		})
	}
}
