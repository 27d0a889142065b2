// Package dedup records processed message IDs so redeliveries of messages
// that were already handled successfully can be acknowledged without running
// the handler again.
package dedup

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of IDs a Memory ledger remembers.
const DefaultCapacity = 100_000

// Ledger stores the IDs of messages whose handler completed successfully.
type Ledger interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Record(ctx context.Context, messageID, orderingKey string) error
}

// Nop never reports a message as seen.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error)  { return false, nil }
func (Nop) Record(context.Context, string, string) error { return nil }

// Memory is a bounded LRU ledger. The least recently recorded or looked up ID
// is forgotten first.
type Memory struct {
	capacity int
	ids      *lru.Cache[string, struct{}]
}

// NewMemory creates a ledger holding up to capacity IDs.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// lru.New only fails for a non-positive size
	ids, _ := lru.New[string, struct{}](capacity)
	return &Memory{capacity: capacity, ids: ids}
}

func (m *Memory) Seen(_ context.Context, messageID string) (bool, error) {
	_, ok := m.ids.Get(messageID)
	return ok, nil
}

func (m *Memory) Record(_ context.Context, messageID, _ string) error {
	if messageID == "" {
		return nil
	}
	m.ids.Add(messageID, struct{}{})
	return nil
}

// Len returns the number of remembered IDs.
func (m *Memory) Len() int {
	return m.ids.Len()
}
