package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordAndSeen(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	seen, err := m.Seen(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.Record(ctx, "a", "k"))
	seen, err = m.Seen(ctx, "a")
	require.NoError(t, err)
	assert.True(t, seen)

	// recording twice keeps a single entry
	require.NoError(t, m.Record(ctx, "a", "k"))
	assert.Equal(t, 1, m.Len())
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)

	require.NoError(t, m.Record(ctx, "a", ""))
	require.NoError(t, m.Record(ctx, "b", ""))

	// touch a so b becomes the oldest
	seen, _ := m.Seen(ctx, "a")
	require.True(t, seen)

	require.NoError(t, m.Record(ctx, "c", ""))
	assert.Equal(t, 2, m.Len())

	seen, _ = m.Seen(ctx, "b")
	assert.False(t, seen)
	seen, _ = m.Seen(ctx, "a")
	assert.True(t, seen)
	seen, _ = m.Seen(ctx, "c")
	assert.True(t, seen)
}

func TestMemoryIgnoresEmptyID(t *testing.T) {
	m := NewMemory(0)
	require.NoError(t, m.Record(context.Background(), "", "k"))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, DefaultCapacity, m.capacity)
}

func TestMemoryConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("%d-%d", g, i)
				_ = m.Record(ctx, id, "")
				seen, _ := m.Seen(ctx, id)
				assert.True(t, seen)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 800, m.Len())
}

func TestNop(t *testing.T) {
	var l Ledger = Nop{}
	require.NoError(t, l.Record(context.Background(), "a", "k"))
	seen, err := l.Seen(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, seen)
}
