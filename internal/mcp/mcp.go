// Package mcp implements the tool-registry attach/detach lifecycle hooks an
// agent instance exposes to a host MCP client, and the reserved-table
// persistence backing them. It does not implement an MCP server itself —
// only the hooks and the client-side bookkeeping a registry attachment needs.
package mcp

import (
	"context"
	"encoding/json"
	"time"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"
)

// ServerState is where an attached server currently sits in its own
// connection lifecycle, independent of the agent's own state.
type ServerState string

const (
	ServerStateConnecting ServerState = "connecting"
	ServerStateReady      ServerState = "ready"
	ServerStateError      ServerState = "error"
	ServerStateDisconnected ServerState = "disconnected"
)

// Server is one row of cf_agents_mcp_servers.
type Server struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	URL       string      `json:"url"`
	State     ServerState `json:"state"`
	CreatedAt time.Time   `json:"createdAt"`
}

// OAuthToken is one row of cf_agents_oauth_tokens, keyed by server id.
type OAuthToken struct {
	ServerID     string     `json:"serverId"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// DiscoveredTool is one row of cf_agents_discovered_tools.
type DiscoveredTool struct {
	ServerID  string          `json:"serverId"`
	ToolName  string          `json:"toolName"`
	Schema    json.RawMessage `json:"schema,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Snapshot is the payload shape of the optional cf_agent_mcp initial frame:
// { type: "cf_agent_mcp", mcp: { servers, tools, prompts, resources } }.
type Snapshot struct {
	Servers   []Server                `json:"servers"`
	Tools     []mcpsdk.Tool           `json:"tools"`
	Prompts   []mcpsdk.Prompt         `json:"prompts"`
	Resources []mcpsdk.Resource       `json:"resources"`
}

// Client is the subset of an mcp-go client an attachment needs: enough to
// discover what a newly-attached server offers. Implemented directly by
// *mcpclient.Client from github.com/mark3labs/mcp-go/client.
type Client interface {
	ListTools(ctx context.Context, req mcpsdk.ListToolsRequest) (*mcpsdk.ListToolsResult, error)
	ListPrompts(ctx context.Context, req mcpsdk.ListPromptsRequest) (*mcpsdk.ListPromptsResult, error)
	ListResources(ctx context.Context, req mcpsdk.ListResourcesRequest) (*mcpsdk.ListResourcesResult, error)
}
