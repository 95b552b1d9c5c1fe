package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentrt/agentrt/internal/common/config"
	"github.com/agentrt/agentrt/internal/common/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	var cfg config.Config
	cfg.AgentStore.BaseDir = t.TempDir()
	cfg.AgentStore.BusyTimeoutMS = 2000
	cfg.Chat.ResumeGraceSeconds = 120
	cfg.Chat.FlushIntervalMS = 250
	return &cfg
}

func newTestAgent(t *testing.T, class *Class) *Agent {
	t.Helper()
	a, err := New(class, "instance-1", testConfig(t), logger.Default(), Dependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Hibernate(context.Background()) })
	return a
}

type recordingTransport struct {
	mu     sync.Mutex
	frames []string
}

func (r *recordingTransport) SendJSON(frameType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frameType)
	return nil
}
func (r *recordingTransport) SendBinary(data []byte) error  { return nil }
func (r *recordingTransport) Close(code int, reason string) error { return nil }

func (r *recordingTransport) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	copy(out, r.frames)
	return out
}

func TestAgent_EnsureStarted_RunsOnStartOnce(t *testing.T) {
	var calls int
	class := &Class{ID: "echo", Handlers: Handlers{
		OnStart: func(ctx context.Context, a *Agent) error {
			calls++
			return nil
		},
	}}
	a := newTestAgent(t, class)

	require.NoError(t, a.EnsureStarted(context.Background()))
	require.NoError(t, a.EnsureStarted(context.Background()))
	require.Equal(t, 1, calls)
}

func TestAgent_EnsureStarted_DegradesOnFailureWithoutImmediateRetry(t *testing.T) {
	var calls int
	class := &Class{ID: "flaky", Handlers: Handlers{
		OnStart: func(ctx context.Context, a *Agent) error {
			calls++
			return context.DeadlineExceeded
		},
	}}
	a := newTestAgent(t, class)

	err := a.EnsureStarted(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, calls)

	// A second call inside the backoff window must not retry onStart; it
	// should fail fast with the same degraded error instead.
	err = a.EnsureStarted(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestAgent_AttachConnection_EmitsInitialFrames(t *testing.T) {
	class := &Class{ID: "assistant"}
	a := newTestAgent(t, class)
	require.NoError(t, a.EnsureStarted(context.Background()))

	transport := &recordingTransport{}
	conn := NewConnection("conn-1", transport)
	a.AttachConnection(context.Background(), conn)

	require.Eventually(t, func() bool {
		return len(transport.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)
	frames := transport.snapshot()
	require.Equal(t, "identity", frames[0])
	require.Equal(t, "state", frames[1])
}

func TestAgent_SetState_BroadcastsCoalescedLastValue(t *testing.T) {
	class := &Class{ID: "assistant"}
	a := newTestAgent(t, class)
	require.NoError(t, a.EnsureStarted(context.Background()))

	transportA := &recordingTransport{}
	connA := NewConnection("a", transportA)
	transportB := &recordingTransport{}
	connB := NewConnection("b", transportB)
	a.connections.add(connA)
	a.connections.add(connB)

	done := make(chan struct{})
	a.mailbox.Enqueue(PriorityLifecycle, "", func(ctx context.Context) {
		_ = a.SetState(ctx, json.RawMessage(`{"n":1}`), "server")
		_ = a.SetState(ctx, json.RawMessage(`{"n":2}`), "server")
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mailbox item never ran")
	}

	require.Eventually(t, func() bool {
		return len(transportB.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	state, err := a.GetState(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(state))
}

func TestAgent_HandleFrame_UnknownTypeFallsBackToOnMessage(t *testing.T) {
	received := make(chan []byte, 1)
	class := &Class{ID: "assistant", Handlers: Handlers{
		OnMessage: func(ctx context.Context, a *Agent, conn *Connection, msg []byte, binary bool) {
			received <- msg
		},
	}}
	a := newTestAgent(t, class)
	require.NoError(t, a.EnsureStarted(context.Background()))

	transport := &recordingTransport{}
	conn := NewConnection("conn-1", transport)
	a.AttachConnection(context.Background(), conn)

	a.HandleFrame("conn-1", []byte(`{"type":"something-unknown"}`), false)

	select {
	case msg := <-received:
		require.Contains(t, string(msg), "something-unknown")
	case <-time.After(time.Second):
		t.Fatal("onMessage never invoked for unrecognized frame type")
	}
}
