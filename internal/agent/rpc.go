package agent

import (
	"context"
	"encoding/json"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
	"github.com/agentrt/agentrt/pkg/websocket"
)

// dispatchRPC handles one C->S `rpc` frame: it looks up the named method,
// invokes it with an emit callback that streams intermediate chunks back as
// Done:false responses, and replies with a final Done:true response (either
// the method's result or its error).
func (a *Agent) dispatchRPC(ctx context.Context, conn *Connection, frame websocket.RPCRequest) {
	method, ok := a.Class.Handlers.RPC[frame.Method]
	if !ok {
		a.replyRPCError(conn, frame.ID, apperr.Invalidf("unknown rpc method %q", frame.Method))
		return
	}

	emit := func(chunk json.RawMessage) {
		_ = conn.send(string(websocket.FrameRPC), websocket.RPCResponse{
			Type: websocket.FrameRPC, ID: frame.ID, Success: true, Result: chunk, Done: false,
		})
	}

	result, err := method(ctx, a, conn, frame.Args, emit)
	if err != nil {
		a.replyRPCError(conn, frame.ID, err)
		return
	}
	_ = conn.send(string(websocket.FrameRPC), websocket.RPCResponse{
		Type: websocket.FrameRPC, ID: frame.ID, Success: true, Result: result, Done: true,
	})
}

func (a *Agent) replyRPCError(conn *Connection, id string, err error) {
	_ = conn.send(string(websocket.FrameRPC), websocket.RPCResponse{
		Type: websocket.FrameRPC, ID: id, Success: false, Error: string(apperr.CodeOf(err)), Done: true,
	})
}
