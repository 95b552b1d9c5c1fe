package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentrt/agentrt/internal/voice"
	"github.com/agentrt/agentrt/pkg/websocket"
)

// BeforeConnect runs onBeforeConnect ahead of the upgrade (§4.2 step 2): no
// Connection exists yet, so a rejecting class can only act on the request
// itself. Callers must have already called EnsureStarted (step 1).
func (a *Agent) BeforeConnect(ctx context.Context, req *Request) error {
	a.setCurrent(CallContext{Agent: a, Request: req})
	if a.Class.Handlers.OnBeforeConnect == nil {
		return nil
	}
	return a.Class.Handlers.OnBeforeConnect(ctx, a, req)
}

// AttachConnection completes admission steps 3-4: it registers the
// connection, runs onConnect, and — unless ProtocolEnabled says otherwise —
// emits the initial identity/state/mcp frames. The voice pipeline for this
// connection, if the class enables voice, is created here too so PushAudio/
// HandleControl have somewhere to go as soon as binary frames start
// arriving.
func (a *Agent) AttachConnection(ctx context.Context, conn *Connection) {
	a.connections.add(conn)

	if a.Class.Subsystems.Voice && a.deps.VoiceCollaborators != nil {
		a.voiceMu.Lock()
		a.voicePipelines[conn.ID] = voice.NewPipeline(conn.ID, a.deps.VoiceCollaborators(conn))
		a.voiceMu.Unlock()
	}

	a.setCurrent(CallContext{Agent: a, Connection: conn})
	if a.Class.Handlers.OnConnect != nil {
		a.Class.Handlers.OnConnect(ctx, a, conn)
	}

	enabled := true
	if a.Class.Handlers.ProtocolEnabled != nil {
		enabled = a.Class.Handlers.ProtocolEnabled(conn)
	}
	if enabled {
		a.emitInitialFrames(ctx, conn)
	}
}

// DetachConnection tears down a closed connection: its voice pipeline (if
// any), then onClose, then removal from the connection set. Order matters —
// onClose may still want to address the connection (e.g. to read its Tags)
// before it is forgotten.
func (a *Agent) DetachConnection(ctx context.Context, connID string, code int, reason string) {
	conn, ok := a.connections.get(connID)
	if !ok {
		return
	}

	a.voiceMu.Lock()
	delete(a.voicePipelines, connID)
	a.voiceMu.Unlock()

	a.setCurrent(CallContext{Agent: a, Connection: conn})
	if a.Class.Handlers.OnClose != nil {
		a.Class.Handlers.OnClose(ctx, a, conn, code, reason)
	}
	a.connections.remove(connID)
}

func (a *Agent) emitInitialFrames(ctx context.Context, conn *Connection) {
	_ = conn.send(string(websocket.FrameIdentity), websocket.IdentityFrame{
		Type:      websocket.FrameIdentity,
		Name:      a.Name,
		AgentType: a.Class.ID,
	})

	state, err := a.GetState(ctx)
	if err != nil && a.log != nil {
		a.log.Error("agent: failed to load state for initial frame", zap.Error(err))
	}
	_ = conn.send(string(websocket.FrameState), websocket.StateFrame{Type: websocket.FrameState, State: state})

	if a.Class.Subsystems.MCP && a.mcpRegistry != nil {
		snapshot, err := a.mcpRegistry.Snapshot(ctx)
		if err != nil {
			if a.log != nil {
				a.log.Error("agent: failed to load mcp snapshot for initial frame", zap.Error(err))
			}
			return
		}
		payload, err := json.Marshal(snapshot)
		if err != nil {
			return
		}
		_ = conn.send(string(websocket.FrameMCP), websocket.MCPFrame{Type: websocket.FrameMCP, MCP: payload})
	}
}
