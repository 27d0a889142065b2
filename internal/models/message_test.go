package models

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
		errMsg  string
	}{
		{
			name: "keyed message",
			msg:  Message{OrderingKey: "K", Payload: []byte("0")},
		},
		{
			name: "unkeyed message",
			msg:  Message{Payload: []byte("0")},
		},
		{
			name:    "missing payload",
			msg:     Message{OrderingKey: "K"},
			wantErr: true,
			errMsg:  "payload is required",
		},
		{
			name:    "oversized key",
			msg:     Message{OrderingKey: strings.Repeat("k", MaxOrderingKeyLength+1), Payload: []byte("x")},
			wantErr: true,
			errMsg:  "ordering_key exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMessageAttribute(t *testing.T) {
	var m Message
	assert.Equal(t, "", m.Attribute(AttributeType))
	assert.False(t, m.HasOrderingKey())

	m = Message{OrderingKey: "K", Attributes: map[string]string{AttributeType: "order.created"}}
	assert.Equal(t, "order.created", m.Attribute(AttributeType))
	assert.True(t, m.HasOrderingKey())
}

type countingHandle struct {
	acks, nacks int
	ackErr      error
}

func (h *countingHandle) Ack(context.Context) error {
	h.acks++
	return h.ackErr
}

func (h *countingHandle) Nack(context.Context) error {
	h.nacks++
	return nil
}

func TestDeliveryAckOnce(t *testing.T) {
	h := &countingHandle{}
	d := NewDelivery(Message{ID: "m1", Payload: []byte("x")}, "d1", 1, h)

	require.NoError(t, d.Ack(context.Background()))
	assert.True(t, d.Acked())
	assert.True(t, d.Settled())

	assert.ErrorIs(t, d.Ack(context.Background()), ErrAlreadySettled)
	assert.ErrorIs(t, d.Nack(context.Background()), ErrAlreadySettled)
	assert.Equal(t, 1, h.acks)
	assert.Equal(t, 0, h.nacks)
}

func TestDeliveryAckRetryAllowed(t *testing.T) {
	h := &countingHandle{ackErr: errors.New("broker unavailable")}
	d := NewDelivery(Message{ID: "m1", Payload: []byte("x")}, "d1", 1, h)

	require.Error(t, d.Ack(context.Background()))
	assert.False(t, d.Settled())

	// switching direction after an ack attempt is refused
	assert.ErrorIs(t, d.Nack(context.Background()), ErrAlreadySettled)

	h.ackErr = nil
	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, 2, h.acks)
	assert.True(t, d.Acked())
}

func TestDeliveryNackThenAck(t *testing.T) {
	h := &countingHandle{}
	d := NewDelivery(Message{ID: "m1", Payload: []byte("x")}, "d1", 1, h)

	require.NoError(t, d.Nack(context.Background()))
	assert.True(t, d.Settled())
	assert.False(t, d.Acked())
	assert.ErrorIs(t, d.Ack(context.Background()), ErrAlreadySettled)
	assert.Equal(t, 0, h.acks)
}

type finalHandle struct {
	countingHandle
	final bool
}

func (h *finalHandle) Final() bool { return h.final }

func TestDeliveryFinal(t *testing.T) {
	d := NewDelivery(Message{ID: "m-1"}, "d-1", 1, &countingHandle{})
	assert.False(t, d.Final(), "handles that cannot tell are never final")

	d = NewDelivery(Message{ID: "m-1"}, "d-2", 5, &finalHandle{final: true})
	assert.True(t, d.Final())
}
