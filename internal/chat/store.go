package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ensureSchema creates the chat-specific extension to the reserved schema:
// cf_agents_messages itself is created by internal/persistence at instance
// provisioning time; the stored custom chat body has no dedicated table in
// the core reserved set, so the chat engine owns this one additive table,
// created idempotently the same way internal/persistence does for its own
// tables.
func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS cf_agents_chat_body (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		body TEXT,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create cf_agents_chat_body: %w", err)
	}
	return nil
}

func loadMessages(ctx context.Context, db *sql.DB) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, role, parts, created_at FROM cf_agents_messages ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, partsRaw, createdAt string
		if err := rows.Scan(&m.ID, &role, &partsRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = Role(role)
		if err := json.Unmarshal([]byte(partsRaw), &m.Parts); err != nil {
			return nil, fmt.Errorf("failed to decode parts for message %s: %w", m.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		m.Final = true
		out = append(out, m)
	}
	return out, rows.Err()
}

func messageExists(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cf_agents_messages WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check message %s: %w", id, err)
	}
	return n > 0, nil
}

func insertMessage(ctx context.Context, db *sql.DB, m Message) error {
	encoded, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts for message %s: %w", m.ID, err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO cf_agents_messages (id, role, parts, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, string(m.Role), string(encoded), m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist message %s: %w", m.ID, err)
	}
	return nil
}

// upsertMessage writes m by id: insert if new, overwrite parts if it already
// exists. Used for the in-progress streaming assistant row, which is
// rewritten by id until finalized (§3.3's message log monotonicity carve-out).
func upsertMessage(ctx context.Context, db *sql.DB, m Message) error {
	exists, err := messageExists(ctx, db, m.ID)
	if err != nil {
		return err
	}
	if !exists {
		return insertMessage(ctx, db, m)
	}
	encoded, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts for message %s: %w", m.ID, err)
	}
	_, err = db.ExecContext(ctx, `UPDATE cf_agents_messages SET parts = ? WHERE id = ?`, string(encoded), m.ID)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", m.ID, err)
	}
	return nil
}

func clearMessages(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM cf_agents_messages`); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM cf_agents_chat_body`); err != nil {
		return fmt.Errorf("failed to clear chat body: %w", err)
	}
	return nil
}

// loadBody returns the stored custom chat body, or nil if none is stored.
func loadBody(ctx context.Context, db *sql.DB) (map[string]json.RawMessage, error) {
	var raw sql.NullString
	err := db.QueryRowContext(ctx, `SELECT body FROM cf_agents_chat_body WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows || !raw.Valid {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat body: %w", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw.String), &body); err != nil {
		return nil, fmt.Errorf("failed to decode chat body: %w", err)
	}
	return body, nil
}

// storeBody persists the custom chat body. An empty body clears the stored
// row instead of writing an empty object, per §4.4 step 2.
func storeBody(ctx context.Context, db *sql.DB, body map[string]json.RawMessage) error {
	if len(body) == 0 {
		_, err := db.ExecContext(ctx, `DELETE FROM cf_agents_chat_body WHERE id = 1`)
		if err != nil {
			return fmt.Errorf("failed to clear chat body: %w", err)
		}
		return nil
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode chat body: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO cf_agents_chat_body (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(encoded), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist chat body: %w", err)
	}
	return nil
}
