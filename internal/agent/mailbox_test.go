package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailbox_PriorityOrdering(t *testing.T) {
	m := NewMailbox()
	var order []string
	var mu sync.Mutex
	record := func(name string) func(ctx context.Context) {
		return func(ctx context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	m.Enqueue(PriorityHTTPRequest, "", record("request"))
	m.Enqueue(PriorityScheduledFire, "", record("fire"))
	m.Enqueue(PriorityConnectionFrame, "c1", record("frame"))
	m.Enqueue(PriorityLifecycle, "", record("lifecycle"))

	for i := 0; i < 4; i++ {
		item, ok := m.Dequeue()
		require.True(t, ok)
		item.Run(context.Background())
	}

	require.Equal(t, []string{"lifecycle", "fire", "frame", "request"}, order)
}

func TestMailbox_FIFOWithinPriority(t *testing.T) {
	m := NewMailbox()
	var order []int
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		n := i
		m.Enqueue(PriorityConnectionFrame, "c1", func(ctx context.Context) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		})
	}

	for i := 0; i < 5; i++ {
		item, ok := m.Dequeue()
		require.True(t, ok)
		item.Run(context.Background())
	}

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMailbox_DequeueBlocksUntilEnqueue(t *testing.T) {
	m := NewMailbox()
	done := make(chan struct{})

	go func() {
		item, ok := m.Dequeue()
		require.True(t, ok)
		item.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	ran := make(chan struct{})
	m.Enqueue(PriorityHTTPRequest, "", func(ctx context.Context) { close(ran) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dequeue never unblocked after enqueue")
	}
}

func TestMailbox_CloseUnblocksDequeue(t *testing.T) {
	m := NewMailbox()
	m.Close()
	_, ok := m.Dequeue()
	require.False(t, ok)
}
