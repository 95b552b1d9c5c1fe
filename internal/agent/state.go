package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// pendingBroadcast coalesces repeated SetState calls made while a single
// mailbox item is executing: every call is durably written immediately, but
// only the last value reaches connections, delivered once the item finishes
// (§4.1: "setting state twice in the same handler collapses to the last
// value for broadcast... each call is still durably written").
type pendingBroadcast struct {
	mu      sync.Mutex
	pending bool
	value   json.RawMessage
}

// GetState reads the instance's current state mirror, returning nil if the
// instance has never called SetState.
func (a *Agent) GetState(ctx context.Context) (json.RawMessage, error) {
	var value string
	err := a.db.QueryRowContext(ctx, `SELECT value FROM cf_agents_state WHERE id = 1`).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s/%s: %w", a.Class.ID, a.Name, err)
	}
	return json.RawMessage(value), nil
}

// SetState durably writes next, invokes onStateUpdate with the previous and
// new values, and queues a coalesced cf_agent_state broadcast. source is
// "server" for a handler-initiated change, or the originating connection id
// for a client-proposed one.
func (a *Agent) SetState(ctx context.Context, next json.RawMessage, source string) error {
	prev, err := a.GetState(ctx)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO cf_agents_state (id, value, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(next), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to persist state for %s/%s: %w", a.Class.ID, a.Name, err)
	}

	a.broadcast.mu.Lock()
	a.broadcast.pending = true
	a.broadcast.value = next
	a.broadcast.mu.Unlock()

	if a.Class.Handlers.OnStateUpdate != nil {
		a.Class.Handlers.OnStateUpdate(ctx, a, prev, next, source)
	}
	return nil
}

// flushStateBroadcast delivers the most recent pending SetState value to
// every attached connection, once, at the end of whatever mailbox item
// triggered it. Unlike the chat subsystem's "broadcast to the other
// attached clients" rule, the state mirror excludes no one: the proposing
// connection itself must see its own proposal echoed back once accepted.
// A no-op if nothing changed.
func (a *Agent) flushStateBroadcast() {
	a.broadcast.mu.Lock()
	if !a.broadcast.pending {
		a.broadcast.mu.Unlock()
		return
	}
	value := a.broadcast.value
	a.broadcast.pending = false
	a.broadcast.value = nil
	a.broadcast.mu.Unlock()

	a.BroadcastExcept("", frameAgentState, stateFramePayload{Type: frameAgentState, State: value})
}

// frameAgentState is the wire type of the runtime state mirror frame; the
// string matches pkg/websocket.FrameAgentState exactly.
const frameAgentState = "cf_agent_state"

type stateFramePayload struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}
