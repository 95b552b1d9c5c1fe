package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentrt/agentrt/internal/chat"
	"github.com/agentrt/agentrt/internal/voice"
	"github.com/agentrt/agentrt/pkg/websocket"
)

// HandleFrame enqueues one inbound connection frame for processing under
// the instance's normal single-writer serialization (§4.1 priority (c):
// connection frames, FIFO per connection). The gateway layer calls this for
// every frame it reads off the wire; it never parses or dispatches frames
// itself.
func (a *Agent) HandleFrame(connID string, raw []byte, binary bool) {
	a.mailbox.Enqueue(PriorityConnectionFrame, connID, func(ctx context.Context) {
		a.dispatchFrame(ctx, connID, raw, binary)
	})
}

func (a *Agent) dispatchFrame(ctx context.Context, connID string, raw []byte, binary bool) {
	conn, ok := a.connections.get(connID)
	if !ok {
		return
	}
	a.setCurrent(CallContext{Agent: a, Connection: conn})

	if binary {
		a.dispatchBinaryFrame(ctx, conn, raw)
		return
	}

	frameType, err := websocket.SniffFrameType(raw)
	if err != nil {
		a.dispatchOnMessage(ctx, conn, raw, false)
		return
	}

	switch frameType {
	case websocket.FrameAgentState:
		a.dispatchStateProposal(ctx, conn, raw)
	case websocket.FrameRPC:
		a.dispatchRPCFrame(ctx, conn, raw)
	case websocket.FrameChatUseRequest:
		a.dispatchChatUseRequest(ctx, conn, raw)
	case websocket.FrameChatClear:
		a.dispatchChatClear(ctx)
	case websocket.FrameChatRequestCancel:
		a.dispatchChatRequestCancel(raw)
	case websocket.FrameToolResult:
		a.dispatchToolResult(ctx, conn, raw)
	case websocket.FrameVoiceControl:
		a.dispatchVoiceControl(ctx, conn, raw)
	default:
		a.dispatchOnMessage(ctx, conn, raw, false)
	}
}

func (a *Agent) dispatchBinaryFrame(ctx context.Context, conn *Connection, data []byte) {
	if a.Class.Subsystems.Voice {
		a.voiceMu.Lock()
		pipeline, ok := a.voicePipelines[conn.ID]
		a.voiceMu.Unlock()
		if ok {
			pipeline.PushAudio(data, 0)
			return
		}
	}
	a.dispatchOnMessage(ctx, conn, data, true)
}

func (a *Agent) dispatchOnMessage(ctx context.Context, conn *Connection, raw []byte, binary bool) {
	if a.Class.Handlers.OnMessage != nil {
		a.Class.Handlers.OnMessage(ctx, a, conn, raw, binary)
	}
}

func (a *Agent) dispatchStateProposal(ctx context.Context, conn *Connection, raw []byte) {
	var frame websocket.StateFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if a.Class.Handlers.OnStateUpdate == nil {
		return
	}
	prev, err := a.GetState(ctx)
	if err != nil {
		return
	}
	// onStateUpdate decides whether to accept the proposal; acceptance means
	// calling SetState itself (the state-semantics contract in §4.1 does not
	// auto-apply client proposals).
	a.Class.Handlers.OnStateUpdate(ctx, a, prev, frame.State, conn.ID)
}

func (a *Agent) dispatchRPCFrame(ctx context.Context, conn *Connection, raw []byte) {
	var frame websocket.RPCRequest
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	a.dispatchRPC(ctx, conn, frame)
}

func (a *Agent) dispatchChatUseRequest(ctx context.Context, conn *Connection, raw []byte) {
	if a.chat == nil {
		return
	}
	var frame websocket.ChatUseRequestFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	messages := make([]chat.IncomingMessage, 0, len(frame.Init.Messages))
	for _, wm := range frame.Init.Messages {
		parts := make([]chat.Part, 0, len(wm.Parts))
		for _, p := range wm.Parts {
			parts = append(parts, chat.Part(p))
		}
		messages = append(messages, chat.IncomingMessage{ID: wm.ID, Role: chat.Role(wm.Role), Parts: parts})
	}

	a.chat.Submit(frame.ID, conn.ID, messages, frame.Init.Body)
}

func (a *Agent) dispatchChatClear(ctx context.Context) {
	if a.chat == nil {
		return
	}
	if err := a.chat.Clear(ctx); err != nil && a.log != nil {
		a.log.Error("agent: chat clear failed", zap.Error(err))
	}
}

func (a *Agent) dispatchChatRequestCancel(raw []byte) {
	if a.chat == nil {
		return
	}
	var frame websocket.ChatRequestCancelFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	a.chat.CancelRequest(frame.ID)
}

func (a *Agent) dispatchToolResult(ctx context.Context, conn *Connection, raw []byte) {
	if a.chat == nil {
		return
	}
	var frame websocket.ToolResultFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	result := chat.ToolResult{
		ToolCallID:   frame.ToolCallID,
		ToolName:     frame.ToolName,
		Output:       frame.Output,
		AutoContinue: frame.AutoContinue,
	}
	if err := a.chat.ApplyToolResult(ctx, conn.ID, result); err != nil && a.log != nil {
		a.log.Error("agent: apply tool result failed", zap.Error(err))
	}
}

// dispatchVoiceControl delivers a parsed cf_agent_voice_control frame
// (start_call/interrupt/end_call/end_of_speech/text_message) to this
// connection's voice pipeline, if one exists.
func (a *Agent) dispatchVoiceControl(ctx context.Context, conn *Connection, raw []byte) {
	if !a.Class.Subsystems.Voice {
		return
	}
	var frame websocket.VoiceControlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	a.voiceMu.Lock()
	pipeline, ok := a.voicePipelines[conn.ID]
	a.voiceMu.Unlock()
	if !ok {
		return
	}
	pipeline.HandleControl(ctx, voice.Control{Kind: voice.ControlKind(frame.Kind), Text: frame.Text})
}
