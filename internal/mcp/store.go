package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func upsertServer(ctx context.Context, db *sql.DB, s Server) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cf_agents_mcp_servers (id, name, url, state, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, url = excluded.url, state = excluded.state`,
		s.ID, s.Name, s.URL, string(s.State), s.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert mcp server %s: %w", s.ID, err)
	}
	return nil
}

func setServerState(ctx context.Context, db *sql.DB, serverID string, state ServerState) error {
	_, err := db.ExecContext(ctx, `UPDATE cf_agents_mcp_servers SET state = ? WHERE id = ?`, string(state), serverID)
	if err != nil {
		return fmt.Errorf("failed to update mcp server %s state: %w", serverID, err)
	}
	return nil
}

func deleteServer(ctx context.Context, db *sql.DB, serverID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM cf_agents_mcp_servers WHERE id = ?`, serverID); err != nil {
		return fmt.Errorf("failed to delete mcp server %s: %w", serverID, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM cf_agents_oauth_tokens WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("failed to delete oauth token for server %s: %w", serverID, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM cf_agents_discovered_tools WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("failed to delete discovered tools for server %s: %w", serverID, err)
	}
	return nil
}

func listServers(ctx context.Context, db *sql.DB) ([]Server, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, url, state, created_at FROM cf_agents_mcp_servers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp servers: %w", err)
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		var s Server
		var state, createdAt string
		if err := rows.Scan(&s.ID, &s.Name, &s.URL, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mcp server: %w", err)
		}
		s.State = ServerState(state)
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func storeOAuthToken(ctx context.Context, db *sql.DB, t OAuthToken) error {
	var expiresAt sql.NullInt64
	if t.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: t.ExpiresAt.UnixMilli(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO cf_agents_oauth_tokens (server_id, access_token, refresh_token, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at`,
		t.ServerID, t.AccessToken, t.RefreshToken, expiresAt, t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store oauth token for server %s: %w", t.ServerID, err)
	}
	return nil
}

func loadOAuthToken(ctx context.Context, db *sql.DB, serverID string) (OAuthToken, bool, error) {
	var t OAuthToken
	var refreshToken sql.NullString
	var expiresAt sql.NullInt64
	var createdAt string
	err := db.QueryRowContext(ctx, `
		SELECT server_id, access_token, refresh_token, expires_at, created_at
		FROM cf_agents_oauth_tokens WHERE server_id = ?`, serverID).
		Scan(&t.ServerID, &t.AccessToken, &refreshToken, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return OAuthToken{}, false, nil
	}
	if err != nil {
		return OAuthToken{}, false, fmt.Errorf("failed to load oauth token for server %s: %w", serverID, err)
	}
	t.RefreshToken = refreshToken.String
	if expiresAt.Valid {
		exp := time.UnixMilli(expiresAt.Int64)
		t.ExpiresAt = &exp
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return t, true, nil
}

func replaceDiscoveredTools(ctx context.Context, db *sql.DB, serverID string, tools []DiscoveredTool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx for discovered tools of server %s: %w", serverID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cf_agents_discovered_tools WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("failed to clear discovered tools for server %s: %w", serverID, err)
	}
	for _, t := range tools {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cf_agents_discovered_tools (server_id, tool_name, schema, created_at) VALUES (?, ?, ?, ?)`,
			t.ServerID, t.ToolName, string(t.Schema), t.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert discovered tool %s for server %s: %w", t.ToolName, serverID, err)
		}
	}
	return tx.Commit()
}

func listDiscoveredTools(ctx context.Context, db *sql.DB, serverID string) ([]DiscoveredTool, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT server_id, tool_name, schema, created_at FROM cf_agents_discovered_tools WHERE server_id = ? ORDER BY tool_name ASC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list discovered tools for server %s: %w", serverID, err)
	}
	defer rows.Close()

	var out []DiscoveredTool
	for rows.Next() {
		var t DiscoveredTool
		var schema sql.NullString
		var createdAt string
		if err := rows.Scan(&t.ServerID, &t.ToolName, &schema, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan discovered tool: %w", err)
		}
		if schema.Valid {
			t.Schema = json.RawMessage(schema.String)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
