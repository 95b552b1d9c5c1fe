package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func (t *Tracker) appendEvent(ctx context.Context, taskID string, ev Event) error {
	row := t.db.QueryRowContext(ctx, `SELECT events FROM cf_agents_tasks WHERE id = ?`, taskID)
	var raw sql.NullString
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("failed to load events for task %s: %w", taskID, err)
	}

	var events []Event
	if raw.Valid {
		_ = json.Unmarshal([]byte(raw.String), &events)
	}
	events = append(events, ev)

	encoded, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode events for task %s: %w", taskID, err)
	}

	if _, err := t.db.ExecContext(ctx, `UPDATE cf_agents_tasks SET events = ? WHERE id = ?`, string(encoded), taskID); err != nil {
		return fmt.Errorf("failed to persist event for task %s: %w", taskID, err)
	}

	t.deliverToWaiters(taskID, ev.Type, ev.Data)
	return nil
}

func (t *Tracker) setProgress(ctx context.Context, taskID string, n int) error {
	_, err := t.db.ExecContext(ctx, `UPDATE cf_agents_tasks SET progress = ? WHERE id = ?`, n, taskID)
	if err != nil {
		return fmt.Errorf("failed to set progress for task %s: %w", taskID, err)
	}
	return nil
}

func (t *Tracker) setCurrentStep(ctx context.Context, taskID, name string) error {
	_, err := t.db.ExecContext(ctx, `UPDATE cf_agents_tasks SET current_step = ? WHERE id = ?`, name, taskID)
	if err != nil {
		return fmt.Errorf("failed to set current step for task %s: %w", taskID, err)
	}
	return nil
}

func (t *Tracker) markWaiting(ctx context.Context, taskID string) error {
	_, err := t.db.ExecContext(ctx, `UPDATE cf_agents_tasks SET status = ? WHERE id = ?`, string(StatusWaiting), taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task %s waiting: %w", taskID, err)
	}
	return nil
}

// DeliverEvent delivers an externally-sourced event (e.g. a connection's RPC
// call, or the durable bridge's handleWorkflowUpdate) to any task currently
// blocked in waitForEvent for that type.
func (t *Tracker) DeliverEvent(taskID, eventType string, data json.RawMessage) {
	t.deliverToWaiters(taskID, eventType, data)
}

func (t *Tracker) registerWaiter(taskID, eventType string) chan json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctrl, ok := t.controllers[taskID]
	if !ok {
		ctrl = &controller{waiters: make(map[string][]chan json.RawMessage)}
		t.controllers[taskID] = ctrl
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	ch := make(chan json.RawMessage, 1)
	ctrl.waiters[eventType] = append(ctrl.waiters[eventType], ch)
	return ch
}

func (t *Tracker) unregisterWaiter(taskID, eventType string, ch chan json.RawMessage) {
	t.mu.Lock()
	ctrl, ok := t.controllers[taskID]
	t.mu.Unlock()
	if !ok {
		return
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	chans := ctrl.waiters[eventType]
	for i, c := range chans {
		if c == ch {
			ctrl.waiters[eventType] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

func (t *Tracker) deliverToWaiters(taskID, eventType string, data json.RawMessage) {
	t.mu.Lock()
	ctrl, ok := t.controllers[taskID]
	t.mu.Unlock()
	if !ok {
		return
	}
	ctrl.mu.Lock()
	chans := ctrl.waiters[eventType]
	ctrl.waiters[eventType] = nil
	ctrl.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
}

// ReapOrphans drops in-memory controllers whose task row is missing or
// already terminal — called once per actor step so a crashed goroutine
// never leaks a controller indefinitely.
func (t *Tracker) ReapOrphans(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.controllers))
	for id := range t.controllers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		tk, ok, err := t.Get(ctx, id)
		if err != nil {
			continue
		}
		if !ok || tk.Status.terminal() {
			t.mu.Lock()
			delete(t.controllers, id)
			t.mu.Unlock()
		}
	}
}

// SweepTerminal deletes tasks that completed/failed/aborted more than ttl
// ago, bounding how long finished tasks linger in the store.
func (t *Tracker) SweepTerminal(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Format(time.RFC3339Nano)
	res, err := t.db.ExecContext(ctx, `
		DELETE FROM cf_agents_tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusAborted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep terminal tasks: %w", err)
	}
	return res.RowsAffected()
}
