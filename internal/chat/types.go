// Package chat implements the per-instance chat subsystem: an append-only
// streaming message log, a strictly-serialized turn queue, a tool-call
// human-in-the-loop gate, and resumable output streams for clients that
// reconnect mid-turn.
package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Part is one typed element of a message's parts array. Parts are stored and
// transmitted as opaque JSON objects carrying at least a "type" field;
// tool-call parts carry "type":"tool-<name>" plus "state"/"output" fields
// mutated in place by the HITL gate — never stripped from the message that
// produced them.
type Part json.RawMessage

// partEnvelope is the subset of a part's fields the engine itself inspects.
type partEnvelope struct {
	Type        string          `json:"type"`
	ToolCallID  string          `json:"toolCallId,omitempty"`
	State       string          `json:"state,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
}

// IsToolPart reports whether p is a tool-<name> part, and its declared name.
func (p Part) IsToolPart() (name string, ok bool) {
	var env partEnvelope
	if err := json.Unmarshal(p, &env); err != nil {
		return "", false
	}
	if !strings.HasPrefix(env.Type, "tool-") {
		return "", false
	}
	return strings.TrimPrefix(env.Type, "tool-"), true
}

// ToolState returns the part's state field ("input-available",
// "output-available", ...), or "" if the part is not a tool part.
func (p Part) ToolState() string {
	var env partEnvelope
	if err := json.Unmarshal(p, &env); err != nil {
		return ""
	}
	return env.State
}

// ToolCallID returns the part's toolCallId field, or "" if absent.
func (p Part) ToolCallID() string {
	var env partEnvelope
	if err := json.Unmarshal(p, &env); err != nil {
		return ""
	}
	return env.ToolCallID
}

// withToolResult returns a copy of p with state set to "output-available"
// and output set to result, preserving every other field on the part.
func (p Part) withToolResult(result json.RawMessage) (Part, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p, &fields); err != nil {
		return nil, err
	}
	fields["state"] = json.RawMessage(`"output-available"`)
	fields["output"] = result
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return Part(out), nil
}

// Message is one row of cf_agents_messages. Once Final is true the row must
// never be mutated again, except for the in-place tool-part transition the
// HITL gate performs.
type Message struct {
	ID        string
	Role      Role
	Parts     []Part
	CreatedAt time.Time
	Final     bool
}

// lastToolPartAwaitingInput locates a tool part in state "input-available"
// matching toolCallID (or any such part if toolCallID is "") within the
// last message only, and only when that message is role-assistant. A
// cf_agent_tool_result referencing a toolCallId from an older, already-
// superseded assistant message must be ignored rather than applied, so the
// scan never looks past msgs[len(msgs)-1].
func lastToolPartAwaitingInput(msgs []Message, toolCallID string) (msgIdx, partIdx int, found bool) {
	if len(msgs) == 0 {
		return 0, 0, false
	}
	mi := len(msgs) - 1
	last := msgs[mi]
	if last.Role != RoleAssistant {
		return 0, 0, false
	}
	for pi := len(last.Parts) - 1; pi >= 0; pi-- {
		part := last.Parts[pi]
		if _, ok := part.IsToolPart(); !ok {
			continue
		}
		if part.ToolState() != "input-available" {
			continue
		}
		if toolCallID != "" && part.ToolCallID() != toolCallID {
			continue
		}
		return mi, pi, true
	}
	return 0, 0, false
}
