// Package persistence provisions the per-instance embedded SQL store and,
// optionally, a shared directory/control-plane store for multi-host
// deployments.
package persistence

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/agentrt/agentrt/internal/common/sqlite"
	"github.com/agentrt/agentrt/internal/db"
)

// reservedTableDDL creates the cf_agents_/cf_voice_ prefixed tables every
// instance store carries, regardless of whether the agent class uses them.
// Creation is idempotent (CREATE TABLE IF NOT EXISTS); new columns on
// existing deployments are added by EnsureColumn below, never by altering
// this DDL in place.
var reservedTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS cf_agents_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cf_agents_messages (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cf_agents_schedules (
		id TEXT PRIMARY KEY,
		payload TEXT,
		callback_method TEXT NOT NULL,
		kind TEXT NOT NULL,
		time INTEGER NOT NULL,
		delay_ms INTEGER,
		cron TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cf_agents_schedules_time ON cf_agents_schedules (time)`,
	`CREATE TABLE IF NOT EXISTS cf_agents_tasks (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		input TEXT,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		events TEXT,
		progress INTEGER,
		timeout_ms INTEGER,
		deadline_at INTEGER,
		durable INTEGER NOT NULL DEFAULT 0,
		workflow_instance_id TEXT,
		current_step TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cf_agents_tasks_status ON cf_agents_tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_cf_agents_tasks_durable ON cf_agents_tasks (durable)`,
	`CREATE TABLE IF NOT EXISTS cf_agents_sessions (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cf_agents_events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		action TEXT NOT NULL,
		data TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cf_agents_events_session_seq ON cf_agents_events (session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS cf_agents_mcp_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cf_agents_oauth_tokens (
		server_id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT,
		expires_at INTEGER,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cf_agents_discovered_tools (
		server_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		schema TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (server_id, tool_name)
	)`,
	`CREATE TABLE IF NOT EXISTS cf_voice_transcripts (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

// InstanceStore is the embedded SQL database backing exactly one agent
// instance. Its single max-open-conns=1 connection (see db.OpenSQLite) is
// what realizes the single-writer-per-instance invariant: every SQL call
// that flows through the agent actor, scheduler, task tracker, and chat
// loop funnels through this one *sql.DB.
type InstanceStore struct {
	db    *sql.DB
	Class string
	Name  string
	Path  string
}

// OpenInstanceStore opens (creating if absent) the embedded database for one
// (class, name) instance under baseDir, and ensures its reserved tables and
// any additive columns introduced since the store was first created.
func OpenInstanceStore(baseDir, class, name string, busyTimeout time.Duration) (*InstanceStore, error) {
	path := InstancePath(baseDir, class, name)

	conn, err := db.OpenSQLiteWithBusyTimeout(path, busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance store for %s/%s: %w", class, name, err)
	}

	if err := migrateInstanceSchema(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate instance store for %s/%s: %w", class, name, err)
	}

	return &InstanceStore{db: conn, Class: class, Name: name, Path: path}, nil
}

// InstancePath computes the on-disk database path for a given (class, name)
// pair without opening it, so callers can check for prior existence (e.g.
// the registry deciding whether an instance is new) before provisioning.
func InstancePath(baseDir, class, name string) string {
	return filepath.Join(baseDir, class, name+".db")
}

// DB returns the underlying connection for callers that need direct access
// (the agent actor's sql(query, args...) primitive, repository-style helpers
// in the chat/task/scheduler/session packages).
func (s *InstanceStore) DB() *sql.DB {
	return s.db
}

// Close releases the instance's connection. Callers must ensure no other
// goroutine is mid-query; the actor's single-writer discipline guarantees
// this holds when Close is invoked from the instance's own eviction path.
func (s *InstanceStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrateInstanceSchema(conn *sql.DB) error {
	for _, stmt := range reservedTableDDL {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	// Additive columns layered onto already-deployed instance stores. New
	// columns are added here, one EnsureColumn call per column, never by
	// editing the CREATE TABLE statements above.
	additions := []struct {
		table, column, definition string
	}{
		{"cf_agents_tasks", "current_step", "TEXT"},
		{"cf_agents_schedules", "cron", "TEXT"},
	}
	for _, a := range additions {
		if err := sqlite.EnsureColumn(conn, a.table, a.column, a.definition); err != nil {
			return fmt.Errorf("failed to ensure column %s.%s: %w", a.table, a.column, err)
		}
	}

	return nil
}
