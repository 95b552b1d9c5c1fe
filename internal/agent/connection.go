package agent

import "sync"

// Transport is the wire-level duplex connection the gateway layer provides.
// Agent never touches the network itself; it only ever calls through this
// narrow interface, so the websocket framing, JSON encoding, and resume
// buffering all live in the connection layer, not here.
type Transport interface {
	SendJSON(frameType string, payload any) error
	SendBinary(data []byte) error
	Close(code int, reason string) error
}

// Connection is one attached duplex session. State and Tags are the
// server-side scratch space §4.2 grants each connection; both are free-form
// and never interpreted by the actor itself.
type Connection struct {
	ID string

	mu    sync.Mutex
	State map[string]any
	Tags  map[string]string

	transport Transport
}

// NewConnection wraps a transport with the bookkeeping the actor needs.
func NewConnection(id string, transport Transport) *Connection {
	return &Connection{ID: id, State: make(map[string]any), Tags: make(map[string]string), transport: transport}
}

// Get reads a key from the connection's server-side state bag.
func (c *Connection) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.State[key]
	return v, ok
}

// Set writes a key into the connection's server-side state bag.
func (c *Connection) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State[key] = value
}

// Tag attaches an opaque string tag to the connection (e.g. for filtering
// BroadcastExcept-style fanout by audience).
func (c *Connection) Tag(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tags[key] = value
}

func (c *Connection) send(frameType string, payload any) error {
	return c.transport.SendJSON(frameType, payload)
}

// connectionSet tracks the connections presently attached to one instance.
// Reclaimed on detach; chat history and session/state rows outlive it.
type connectionSet struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
}

func newConnectionSet() *connectionSet {
	return &connectionSet{byID: make(map[string]*Connection)}
}

func (s *connectionSet) add(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID] = c
}

func (s *connectionSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

func (s *connectionSet) get(id string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

func (s *connectionSet) all() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	return out
}

// SendFrame delivers frameType/payload to one attached connection. Returns
// an error if connID is not currently attached (e.g. the chat engine's
// resumable-stream buffering handles the disconnected case upstream of
// this call).
func (a *Agent) SendFrame(connID string, frameType string, payload any) error {
	conn, ok := a.connections.get(connID)
	if !ok {
		return errConnectionNotAttached(connID)
	}
	return conn.send(frameType, payload)
}

// BroadcastExcept delivers frameType/payload to every attached connection
// other than connID (empty connID broadcasts to all).
func (a *Agent) BroadcastExcept(connID string, frameType string, payload any) {
	for _, conn := range a.connections.all() {
		if conn.ID == connID {
			continue
		}
		_ = conn.send(frameType, payload)
	}
}

// SendAudio implements voice.AudioSink: raw PCM delivered as a binary frame.
func (a *Agent) SendAudio(connID string, pcm []byte) error {
	conn, ok := a.connections.get(connID)
	if !ok {
		return errConnectionNotAttached(connID)
	}
	return conn.transport.SendBinary(pcm)
}
