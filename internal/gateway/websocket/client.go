package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrt/agentrt/internal/agent"
	"github.com/agentrt/agentrt/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// outFrame is one queued outbound write; binary distinguishes a raw PCM
// audio frame from a JSON protocol frame.
type outFrame struct {
	data   []byte
	binary bool
}

// Client is one attached WebSocket connection, pumping frames between the
// wire and the addressed Agent's mailbox. It implements agent.Transport so
// the actor never needs to know gorilla/websocket exists.
type Client struct {
	ID    string
	conn  *websocket.Conn
	agent *agent.Agent

	send chan outFrame

	mu     sync.Mutex
	closed bool

	logger *logger.Logger
}

// NewClient wraps an upgraded connection bound to one instance.
func NewClient(id string, conn *websocket.Conn, a *agent.Agent, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		agent:  a,
		send:   make(chan outFrame, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// SendJSON implements agent.Transport. Frame payloads already carry their
// own "type" field, so this only needs to marshal and queue.
func (c *Client) SendJSON(frameType string, payload any) error {
	var data []byte
	var err error
	if raw, ok := payload.(json.RawMessage); ok {
		data = raw
	} else {
		data, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	c.queue(outFrame{data: data})
	return nil
}

// SendBinary implements agent.Transport.
func (c *Client) SendBinary(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.queue(outFrame{data: cp, binary: true})
	return nil
}

// Close implements agent.Transport.
func (c *Client) Close(code int, reason string) error {
	c.closeSend()
	return c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func (c *Client) queue(f outFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		c.logger.Warn("client send buffer full")
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump pumps frames from the WebSocket connection onto the agent's
// mailbox until the connection drops, then detaches it. Binary frames are
// always raw PCM; everything else (including voice control, which is a
// JSON envelope) is handled uniformly by Agent.HandleFrame.
func (c *Client) ReadPump(connID string) {
	defer func() {
		c.agent.DetachConnection(context.Background(), connID, websocket.CloseNormalClosure, "connection closed")
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		c.agent.HandleFrame(connID, message, messageType == websocket.BinaryMessage)
	}
}

// WritePump pumps queued frames and pings to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to write close message", zap.Error(err))
				}
				return
			}

			if frame.binary {
				if err := c.conn.WriteMessage(websocket.BinaryMessage, frame.data); err != nil {
					c.logger.Debug("failed to write websocket binary frame", zap.Error(err))
					return
				}
				continue
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			open := true
			if _, err := w.Write(frame.data); err != nil {
				c.logger.Debug("failed to write websocket message", zap.Error(err))
				_ = w.Close()
				return
			}

			// Batch additional already-queued text frames onto the same
			// writer, one JSON value per line. A binary frame queued behind
			// them closes the batch and is written on its own.
			n := len(c.send)
			for i := 0; i < n; i++ {
				peek := <-c.send
				if peek.binary {
					if open {
						if err := w.Close(); err != nil {
							return
						}
						open = false
					}
					if err := c.conn.WriteMessage(websocket.BinaryMessage, peek.data); err != nil {
						c.logger.Debug("failed to write websocket binary frame", zap.Error(err))
						return
					}
					continue
				}
				if !open {
					w, err = c.conn.NextWriter(websocket.TextMessage)
					if err != nil {
						return
					}
					open = true
				} else if _, err := w.Write([]byte{'\n'}); err != nil {
					c.logger.Debug("failed to write websocket delimiter", zap.Error(err))
					_ = w.Close()
					return
				}
				if _, err := w.Write(peek.data); err != nil {
					c.logger.Debug("failed to write queued websocket message", zap.Error(err))
					_ = w.Close()
					return
				}
			}

			if open {
				if err := w.Close(); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
