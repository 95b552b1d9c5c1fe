package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
)

// Sink delivers the cf_agent_mcp frame to attached connections whenever the
// registry's server set or discovered tools change.
type Sink interface {
	BroadcastExcept(connID, frameType string, payload any)
}

// Registry tracks the MCP servers attached to one agent instance, persisting
// their state and discovered tools, and notifying attached connections when
// the set changes.
type Registry struct {
	db   *sql.DB
	sink Sink

	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry constructs a Registry over db; the reserved mcp_servers/
// oauth_tokens/discovered_tools tables are created at instance provisioning
// time by internal/persistence, not here.
func NewRegistry(db *sql.DB, sink Sink) *Registry {
	return &Registry{db: db, sink: sink, clients: make(map[string]Client)}
}

// OnServerAttached is the hook a host MCP client calls once a new server
// connection has completed its MCP initialize handshake. It records the
// server, discovers its tools/prompts/resources, persists an oauth token if
// the attachment carries one, and broadcasts the updated cf_agent_mcp frame.
func (r *Registry) OnServerAttached(ctx context.Context, id, name, url string, c Client, token *OAuthToken) error {
	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()

	if err := upsertServer(ctx, r.db, Server{ID: id, Name: name, URL: url, State: ServerStateConnecting, CreatedAt: time.Now().UTC()}); err != nil {
		return err
	}

	if token != nil {
		token.ServerID = id
		if token.CreatedAt.IsZero() {
			token.CreatedAt = time.Now().UTC()
		}
		if err := storeOAuthToken(ctx, r.db, *token); err != nil {
			return err
		}
	}

	discovered, err := discoverTools(ctx, c)
	if err != nil {
		_ = setServerState(ctx, r.db, id, ServerStateError)
		r.broadcastSnapshot(ctx)
		return apperr.Downstreamf(err, "failed to discover tools for mcp server %s", name)
	}

	rows := make([]DiscoveredTool, 0, len(discovered))
	for _, dt := range discovered {
		schema, _ := json.Marshal(dt.InputSchema)
		rows = append(rows, DiscoveredTool{ServerID: id, ToolName: dt.Name, Schema: schema, CreatedAt: time.Now().UTC()})
	}
	if err := replaceDiscoveredTools(ctx, r.db, id, rows); err != nil {
		return err
	}

	if err := setServerState(ctx, r.db, id, ServerStateReady); err != nil {
		return err
	}

	r.broadcastSnapshot(ctx)
	return nil
}

// OnServerDetached is the hook called when a server connection is torn down
// (explicit detach, or the underlying transport dying). The server's rows
// and any oauth token/discovered tools are removed; the in-memory client
// handle is dropped.
func (r *Registry) OnServerDetached(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()

	if err := deleteServer(ctx, r.db, id); err != nil {
		return err
	}
	r.broadcastSnapshot(ctx)
	return nil
}

// Snapshot builds the current cf_agent_mcp payload from persisted state.
func (r *Registry) Snapshot(ctx context.Context) (Snapshot, error) {
	servers, err := listServers(ctx, r.db)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Servers: servers}
	for _, s := range servers {
		tools, err := listDiscoveredTools(ctx, r.db, s.ID)
		if err != nil {
			return Snapshot{}, err
		}
		for _, t := range tools {
			var schema map[string]any
			_ = json.Unmarshal(t.Schema, &schema)
			snap.Tools = append(snap.Tools, mcpsdk.Tool{Name: t.ToolName})
		}
	}
	return snap, nil
}

func (r *Registry) broadcastSnapshot(ctx context.Context) {
	if r.sink == nil {
		return
	}
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return
	}
	r.sink.BroadcastExcept("", "cf_agent_mcp", map[string]any{"mcp": snap})
}

// Token returns the stored oauth token for serverID, if any.
func (r *Registry) Token(ctx context.Context, serverID string) (OAuthToken, bool, error) {
	return loadOAuthToken(ctx, r.db, serverID)
}

func discoverTools(ctx context.Context, c Client) ([]mcpsdk.Tool, error) {
	res, err := c.ListTools(ctx, mcpsdk.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return res.Tools, nil
}
