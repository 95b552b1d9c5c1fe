package agent

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Priority orders the four mailbox categories fixed by §4.1: lifecycle
// transitions first, then scheduled fires, then connection frames, then
// HTTP requests. Higher numeric value sorts first.
type Priority int

const (
	PriorityHTTPRequest     Priority = 0
	PriorityConnectionFrame Priority = 1
	PriorityScheduledFire   Priority = 2
	PriorityLifecycle       Priority = 3
)

// String names the mailbox category for tracing span tags.
func (p Priority) String() string {
	switch p {
	case PriorityHTTPRequest:
		return "http_request"
	case PriorityConnectionFrame:
		return "connection_frame"
	case PriorityScheduledFire:
		return "scheduled_fire"
	case PriorityLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Item is one unit of work the actor loop drains in priority order, FIFO
// within a priority (and, for connection frames, FIFO per connection, which
// falls out naturally: frames from the same connection are always enqueued
// in arrival order and the tiebreak is global arrival order).
type Item struct {
	Priority Priority
	ConnID   string // only meaningful for PriorityConnectionFrame
	QueuedAt time.Time
	Run      func(ctx context.Context)
	index    int
}

// mailboxHeap implements heap.Interface exactly like the teacher's taskHeap:
// higher priority first, earlier QueuedAt as the tiebreak.
type mailboxHeap []*Item

func (h mailboxHeap) Len() int { return len(h) }

func (h mailboxHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h mailboxHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *mailboxHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *mailboxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Mailbox is the single-writer priority queue an Agent drains one item at a
// time. Enqueue never blocks; Dequeue blocks until an item is available or
// the mailbox is closed.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   mailboxHeap
	closed bool
}

// NewMailbox constructs an empty Mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	heap.Init(&m.heap)
	return m
}

// Enqueue adds an item and wakes one blocked Dequeue call, if any. run
// receives the context the actor loop built for this item (carrying its
// tracing span) when it is dequeued and executed.
func (m *Mailbox) Enqueue(priority Priority, connID string, run func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	heap.Push(&m.heap, &Item{Priority: priority, ConnID: connID, QueuedAt: time.Now(), Run: run})
	m.cond.Signal()
}

// Dequeue blocks until an item is available, returning ok=false once the
// mailbox has been closed and drained.
func (m *Mailbox) Dequeue() (*Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.heap) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.heap) == 0 {
		return nil, false
	}
	item := heap.Pop(&m.heap).(*Item)
	return item, true
}

// Len reports the number of queued items.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

// Close marks the mailbox closed; any blocked Dequeue wakes and returns
// ok=false once the backlog is drained. Close does not discard queued items
// — callers that need to drain the backlog first should do so, then Close.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}
