// Package websocket provides the wire frame types exchanged over an
// agent's duplex connection (§4.2, §4.4): the initial identity/state/mcp
// frames, the runtime state mirror, rpc, and the chat subprotocol.
package websocket

import "encoding/json"

// Envelope is the minimal shape every frame shares: enough to sniff its
// FrameType before unmarshaling into the type-specific struct below. A
// frame whose Type doesn't match any FrameType constant is forwarded to
// the agent's onMessage hook as opaque JSON (§4.2).
type Envelope struct {
	Type FrameType       `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// SniffFrameType parses just enough of raw to learn its frame type without
// committing to a specific payload shape.
func SniffFrameType(raw []byte) (FrameType, error) {
	var env struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// IdentityFrame is the first initial frame: { type, name, agentType }.
type IdentityFrame struct {
	Type      FrameType `json:"type"`
	Name      string    `json:"name"`
	AgentType string    `json:"agentType"`
}

// StateFrame carries the full state mirror, both as an initial frame
// (type: "state") and as the runtime S<->C frame (type: "cf_agent_state").
type StateFrame struct {
	Type  FrameType       `json:"type"`
	State json.RawMessage `json:"state"`
}

// MCPFrame is the optional third initial frame and the runtime
// cf_agent_mcp notification; MCP is an mcp.Snapshot serialized by the
// caller (kept as RawMessage so this package does not depend on
// internal/mcp).
type MCPFrame struct {
	Type FrameType       `json:"type"`
	MCP  json.RawMessage `json:"mcp"`
}

// RPCRequest is a C->S `rpc` frame invoking a callable method.
type RPCRequest struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// RPCResponse is an S->C `rpc` reply. Streaming replies send one
// RPCResponse per chunk with Done=false, terminated by Done=true.
type RPCResponse struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Done    bool            `json:"done"`
}

// WireMessage is one chat message as carried over the wire: the same shape
// persisted to cf_agents_messages, parts kept opaque (RawMessage) since the
// actor layer never interprets them.
type WireMessage struct {
	ID    string            `json:"id"`
	Role  string            `json:"role"`
	Parts []json.RawMessage `json:"parts"`
}

// ChatUseRequestFrame is a C->S cf_agent_use_chat_request frame. Body
// carries messages plus the client's customBody fields (§4.4): everything
// in the init.body object other than "messages"/"clientTools" is the chat
// body passed through to the turn handler unmodified.
type ChatUseRequestFrame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`
	Init struct {
		Method      string
		Messages    []WireMessage
		ClientTools json.RawMessage
		Body        map[string]json.RawMessage
	} `json:"init"`
}

// UnmarshalJSON splits init.body's fields into Messages/ClientTools and the
// remaining customBody map, per §4.4's "everything except messages/
// clientTools is the chat body" rule.
func (f *ChatUseRequestFrame) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type FrameType `json:"type"`
		ID   string    `json:"id"`
		Init struct {
			Method string          `json:"method"`
			Body   json.RawMessage `json:"body"`
		} `json:"init"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	f.Type = wire.Type
	f.ID = wire.ID
	f.Init.Method = wire.Init.Method

	var rawBody map[string]json.RawMessage
	if len(wire.Init.Body) > 0 {
		if err := json.Unmarshal(wire.Init.Body, &rawBody); err != nil {
			return err
		}
	}
	if msgs, ok := rawBody["messages"]; ok {
		if err := json.Unmarshal(msgs, &f.Init.Messages); err != nil {
			return err
		}
		delete(rawBody, "messages")
	}
	if tools, ok := rawBody["clientTools"]; ok {
		f.Init.ClientTools = tools
		delete(rawBody, "clientTools")
	}
	f.Init.Body = rawBody
	return nil
}

// ChatUseResponseFrame is an S->C streamed chat response chunk.
type ChatUseResponseFrame struct {
	Type  FrameType `json:"type"`
	ID    string    `json:"id"`
	Body  string    `json:"body"`
	Done  bool      `json:"done"`
	Error string    `json:"error,omitempty"`
}

// ChatMessagesFrame broadcasts updated/appended messages to every attached
// connection (e.g. after a tool result is applied).
type ChatMessagesFrame struct {
	Type     FrameType       `json:"type"`
	Messages json.RawMessage `json:"messages"`
}

// ChatClearFrame is a C->S cf_agent_chat_clear frame; it carries no body.
type ChatClearFrame struct {
	Type FrameType `json:"type"`
}

// ChatRequestCancelFrame aborts the named in-flight chat request.
type ChatRequestCancelFrame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`
}

// ToolResultFrame is a C->S cf_agent_tool_result frame resolving a pending
// human-in-the-loop tool call.
type ToolResultFrame struct {
	Type         FrameType       `json:"type"`
	ToolCallID   string          `json:"toolCallId"`
	ToolName     string          `json:"toolName"`
	Output       json.RawMessage `json:"output"`
	AutoContinue bool            `json:"autoContinue"`
}

// VoiceControlFrame is a C->S cf_agent_voice_control frame; Text is set only
// when Kind is "text_message". Raw inbound audio itself never carries this
// envelope, it arrives as a plain binary frame.
type VoiceControlFrame struct {
	Type FrameType `json:"type"`
	Kind string    `json:"kind"`
	Text string    `json:"text,omitempty"`
}
