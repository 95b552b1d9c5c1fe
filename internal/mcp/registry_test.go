package mcp

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE cf_agents_mcp_servers (id TEXT PRIMARY KEY, name TEXT NOT NULL, url TEXT NOT NULL, state TEXT NOT NULL, created_at TEXT NOT NULL);
		CREATE TABLE cf_agents_oauth_tokens (server_id TEXT PRIMARY KEY, access_token TEXT NOT NULL, refresh_token TEXT, expires_at INTEGER, created_at TEXT NOT NULL);
		CREATE TABLE cf_agents_discovered_tools (server_id TEXT NOT NULL, tool_name TEXT NOT NULL, schema TEXT, created_at TEXT NOT NULL, PRIMARY KEY (server_id, tool_name));
	`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeMCPClient struct {
	tools []mcpsdk.Tool
	err   error
}

func (c fakeMCPClient) ListTools(ctx context.Context, req mcpsdk.ListToolsRequest) (*mcpsdk.ListToolsResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &mcpsdk.ListToolsResult{Tools: c.tools}, nil
}

func (c fakeMCPClient) ListPrompts(ctx context.Context, req mcpsdk.ListPromptsRequest) (*mcpsdk.ListPromptsResult, error) {
	return &mcpsdk.ListPromptsResult{}, nil
}

func (c fakeMCPClient) ListResources(ctx context.Context, req mcpsdk.ListResourcesRequest) (*mcpsdk.ListResourcesResult, error) {
	return &mcpsdk.ListResourcesResult{}, nil
}

type fakeSink struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSink) BroadcastExcept(connID, frameType string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
}

func TestOnServerAttached_PersistsServerAndDiscoveredTools(t *testing.T) {
	db := newTestDB(t)
	sink := &fakeSink{}
	reg := NewRegistry(db, sink)
	ctx := context.Background()

	client := fakeMCPClient{tools: []mcpsdk.Tool{{Name: "search"}, {Name: "fetch"}}}
	err := reg.OnServerAttached(ctx, "srv-1", "search-server", "stdio://search", client, nil)
	require.NoError(t, err)

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Servers, 1)
	assert.Equal(t, ServerStateReady, snap.Servers[0].State)
	require.Len(t, snap.Tools, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.GreaterOrEqual(t, sink.calls, 1)
}

func TestOnServerAttached_DiscoveryFailureMarksServerError(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(db, &fakeSink{})
	ctx := context.Background()

	client := fakeMCPClient{err: assert.AnError}
	err := reg.OnServerAttached(ctx, "srv-1", "broken", "stdio://broken", client, nil)
	require.Error(t, err)

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Servers, 1)
	assert.Equal(t, ServerStateError, snap.Servers[0].State)
}

func TestOnServerAttached_StoresOAuthToken(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(db, &fakeSink{})
	ctx := context.Background()

	client := fakeMCPClient{tools: nil}
	token := &OAuthToken{AccessToken: "tok-123"}
	require.NoError(t, reg.OnServerAttached(ctx, "srv-1", "auth-server", "https://example", client, token))

	stored, ok, err := reg.Token(ctx, "srv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-123", stored.AccessToken)
}

func TestOnServerDetached_RemovesServerAndDependents(t *testing.T) {
	db := newTestDB(t)
	reg := NewRegistry(db, &fakeSink{})
	ctx := context.Background()

	client := fakeMCPClient{tools: []mcpsdk.Tool{{Name: "search"}}}
	token := &OAuthToken{AccessToken: "tok"}
	require.NoError(t, reg.OnServerAttached(ctx, "srv-1", "s", "u", client, token))

	require.NoError(t, reg.OnServerDetached(ctx, "srv-1"))

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Servers)

	_, ok, err := reg.Token(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
