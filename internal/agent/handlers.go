package agent

import (
	"context"
	"encoding/json"
)

// Handlers bundles the code-supplied lifecycle and RPC behavior for one
// agent class. Every field is optional; a nil hook is simply skipped.
type Handlers struct {
	// OnStart runs once per instance lifecycle, before any connection or
	// request is admitted. A non-nil error leaves the instance degraded
	// (see Agent.degradedUntil).
	OnStart func(ctx context.Context, a *Agent) error

	// OnBeforeConnect runs before the upgrade completes and may reject it by
	// returning a non-nil error; there is no Connection yet at this point,
	// only the originating HTTP request.
	OnBeforeConnect func(ctx context.Context, a *Agent, req *Request) error

	OnConnect func(ctx context.Context, a *Agent, conn *Connection)

	// OnMessage receives frames that don't parse as a known protocol
	// message (§4.2): opaque JSON or binary application payloads.
	OnMessage func(ctx context.Context, a *Agent, conn *Connection, msg []byte, binary bool)

	// OnRequest handles an HTTP request addressed directly to the
	// instance (not over a duplex connection).
	OnRequest func(ctx context.Context, a *Agent, req *Request) (*Response, error)

	OnClose func(ctx context.Context, a *Agent, conn *Connection, code int, reason string)

	OnError func(ctx context.Context, a *Agent, err error)

	// OnStateUpdate runs after every accepted setState, whether server- or
	// connection-initiated. source is "server" or the originating
	// connection id.
	OnStateUpdate func(ctx context.Context, a *Agent, prev, next json.RawMessage, source string)

	// Destroy runs once, when the instance is being permanently removed
	// (not merely hibernated). Hibernation never calls this.
	Destroy func(ctx context.Context, a *Agent)

	// RPC holds the callable methods clients may invoke over the `rpc`
	// frame. A method not present here fails with apperr.InvalidRequest.
	RPC map[string]RPCMethod

	// ProtocolEnabled overrides whether initial frames (identity/state/mcp)
	// are emitted after onConnect for a given connection. Nil means always
	// true, matching the spec's stated default.
	ProtocolEnabled func(conn *Connection) bool
}

// RPCMethod is one callable method exposed over the `rpc` wire frame.
// Streaming methods send intermediate chunks through emit and return their
// final result (or emit a last chunk and return nil result if the stream
// itself constitutes the reply).
type RPCMethod func(ctx context.Context, a *Agent, conn *Connection, args json.RawMessage, emit func(chunk json.RawMessage)) (json.RawMessage, error)

// Request is a host HTTP request addressed to an instance outside of any
// duplex connection.
type Request struct {
	Method  string
	Path    string
	Headers map[string][]string
	Body    []byte
}

// Response is what OnRequest returns to the host router.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}
