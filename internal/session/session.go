// Package session implements the optional, lower-level alternative to the
// chat log: an append-only event store keyed by session id with a per-session
// monotonic seq, and a pure-functional WorkingContext projection built from a
// loaded event window.
package session

import (
	"encoding/json"
	"time"
)

// Action discriminates an event's purpose.
type Action string

const (
	ActionUserMessage      Action = "user_message"
	ActionAgentMessage     Action = "agent_message"
	ActionToolCallRequest  Action = "tool_call_request"
	ActionToolResult       Action = "tool_result"
	ActionSystemInstruction Action = "system_instruction"
	ActionCompaction       Action = "compaction"
)

// Event is one row of cf_agents_events: an append-only, per-session
// monotonically numbered fact. Data is opaque to the store itself — its
// shape is interpreted by WorkingContext and by the caller's own handlers.
type Event struct {
	SessionID string
	Seq       int64
	Action    Action
	Data      json.RawMessage
	CreatedAt time.Time
}

// Session is one row of cf_agents_sessions.
type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}
