package websocket

// FrameType identifies one of the well-known frame types exchanged over the
// duplex connection (§4.2). Frames that don't match one of these are
// forwarded to the agent's onMessage hook unparsed.
type FrameType string

const (
	// Initial frames, emitted once immediately after onConnect returns.
	FrameIdentity FrameType = "identity"
	FrameState    FrameType = "state"
	FrameMCP      FrameType = "mcp"

	// Runtime state mirror, both directions.
	FrameAgentState FrameType = "cf_agent_state"

	// Tool registry change notification, server -> client only.
	FrameAgentMCP FrameType = "cf_agent_mcp"

	// RPC invocation/response, both directions.
	FrameRPC FrameType = "rpc"

	// Chat subprotocol.
	FrameChatUseRequest    FrameType = "cf_agent_use_chat_request"
	FrameChatUseResponse   FrameType = "cf_agent_use_chat_response"
	FrameChatMessages      FrameType = "cf_agent_chat_messages"
	FrameChatClear         FrameType = "cf_agent_chat_clear"
	FrameChatRequestCancel FrameType = "cf_agent_chat_request_cancel"
	FrameToolResult        FrameType = "cf_agent_tool_result"

	// Voice control, client -> server only. Raw PCM itself travels as
	// binary frames and never carries a type field.
	FrameVoiceControl FrameType = "cf_agent_voice_control"
)
