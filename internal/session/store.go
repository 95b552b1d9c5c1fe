package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnsureSession creates the session row if absent, returning its current
// record either way.
func EnsureSession(ctx context.Context, db *sql.DB, id string) (Session, error) {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO cf_agents_sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, id, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, fmt.Errorf("failed to ensure session %s: %w", id, err)
	}
	return loadSession(ctx, db, id)
}

func loadSession(ctx context.Context, db *sql.DB, id string) (Session, error) {
	var s Session
	var created, updated string
	err := db.QueryRowContext(ctx, `SELECT id, created_at, updated_at FROM cf_agents_sessions WHERE id = ?`, id).
		Scan(&s.ID, &created, &updated)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return s, nil
}

func touchSession(ctx context.Context, db *sql.DB, id string) error {
	_, err := db.ExecContext(ctx, `UPDATE cf_agents_sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", id, err)
	}
	return nil
}

// nextSeq returns the next monotonic seq for sessionID: one past the highest
// seq currently stored, or 1 if the session has no events yet.
func nextSeq(ctx context.Context, db *sql.DB, sessionID string) (int64, error) {
	var max sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM cf_agents_events WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next seq for session %s: %w", sessionID, err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// Append inserts a new event for sessionID at the next monotonic seq,
// ensuring the session row exists and bumping its updated_at. The session's
// events are otherwise immutable: this is the only write path.
func Append(ctx context.Context, db *sql.DB, sessionID string, action Action, data json.RawMessage) (Event, error) {
	if _, err := EnsureSession(ctx, db, sessionID); err != nil {
		return Event{}, err
	}

	seq, err := nextSeq(ctx, db, sessionID)
	if err != nil {
		return Event{}, err
	}

	ev := Event{SessionID: sessionID, Seq: seq, Action: action, Data: data, CreatedAt: time.Now().UTC()}
	_, err = db.ExecContext(ctx, `
		INSERT INTO cf_agents_events (session_id, seq, action, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Seq, string(ev.Action), string(ev.Data), ev.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("failed to append event for session %s: %w", sessionID, err)
	}

	if err := touchSession(ctx, db, sessionID); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// LoadWindow returns sessionID's events with seq > afterSeq, in seq order,
// capped at limit rows (0 means unlimited). Pass afterSeq=0 to load from the
// beginning.
func LoadWindow(ctx context.Context, db *sql.DB, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	query := `SELECT session_id, seq, action, data, created_at FROM cf_agents_events
		WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load event window for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var action, data, createdAt string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &action, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event for session %s: %w", sessionID, err)
		}
		ev.Action = Action(action)
		ev.Data = json.RawMessage(data)
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}
