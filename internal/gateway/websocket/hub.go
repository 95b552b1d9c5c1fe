// Package websocket provides the connection gateway binding upgraded
// WebSocket connections to addressed Agent instances.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrt/agentrt/internal/agent"
	"github.com/agentrt/agentrt/internal/common/logger"
)

// Hub owns every live Client and pairs it with the Agent instance its
// connection is attached to. Unlike the task/board broadcast hub it
// replaces, fanout to a connection's peers is the Agent's own job
// (BroadcastExcept); the Hub's only remaining job is bookkeeping clients
// through their register/unregister lifecycle so Run can close them all on
// shutdown.
type Hub struct {
	registry *agent.Registry

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool

	logger *logger.Logger
}

// NewHub creates a Hub addressing instances through registry.
func NewHub(registry *agent.Registry, log *logger.Logger) *Hub {
	return &Hub{
		registry:   registry,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's bookkeeping loop; it never touches frame dispatch,
// which flows directly from Client.ReadPump to the addressed Agent.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		_ = client.Close(1001, "server shutting down")
		delete(h.clients, client)
	}
}

// Register adds a client to the hub's bookkeeping set.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub's bookkeeping set.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Registry exposes the agent registry the hub admits connections against.
func (h *Hub) Registry() *agent.Registry {
	return h.registry
}
