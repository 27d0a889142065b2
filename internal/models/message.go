package models

import (
	"fmt"
	"time"
)

const (
	// HeaderOrderingKey carries the ordering key on transports that use headers.
	HeaderOrderingKey = "Ordering-Key"

	// AttributeType selects a handler in the handler registry.
	AttributeType = "type"

	// MaxOrderingKeyLength bounds ordering keys accepted at publish time.
	MaxOrderingKeyLength = 1024
)

// Message is an immutable broker message as seen by the subscriber.
//
// Ordering between messages that share an OrderingKey is inferred from
// arrival order at the broker; there is no embedded sequence number.
type Message struct {
	// ID identifies the message at the broker and is stable across redeliveries
	ID string `json:"id"`

	// OrderingKey groups messages that must be handled in publish order.
	// Empty means the message has no ordering constraint.
	OrderingKey string `json:"ordering_key,omitempty"`

	// Payload is the opaque message body
	Payload []byte `json:"payload"`

	// Attributes are transport headers (type, trace context, ...)
	Attributes map[string]string `json:"attributes,omitempty"`

	// PublishedAt is the broker-side publish time when the transport reports it
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// HasOrderingKey reports whether the message belongs to an ordered lane.
func (m *Message) HasOrderingKey() bool {
	return m.OrderingKey != ""
}

// Attribute returns the named attribute or the empty string.
func (m *Message) Attribute(name string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[name]
}

// Validate checks a message before it is published.
func (m *Message) Validate() error {
	if len(m.OrderingKey) > MaxOrderingKeyLength {
		return fmt.Errorf("ordering_key exceeds %d bytes", MaxOrderingKeyLength)
	}
	if m.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	return nil
}
