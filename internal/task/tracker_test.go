package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE cf_agents_tasks (
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
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func waitForStatus(t *testing.T, tr *Tracker, id string, want Status) *Task {
	t.Helper()
	var tk *Task
	require.Eventually(t, func() bool {
		got, ok, err := tr.Get(context.Background(), id)
		if err != nil || !ok {
			return false
		}
		tk = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return tk
}

func TestTracker_EphemeralTaskCompletes(t *testing.T) {
	tr := New(newTestDB(t), nil, nil)

	tk, err := tr.Create(context.Background(), "doWork", nil, func(ctx context.Context, tc *Context) (json.RawMessage, error) {
		require.NoError(t, tc.SetProgress(50))
		return json.RawMessage(`{"ok":true}`), nil
	}, CreateOptions{})
	require.NoError(t, err)

	done := waitForStatus(t, tr, tk.ID, StatusCompleted)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	assert.NotNil(t, done.Progress)
	assert.Equal(t, 50, *done.Progress)
}

func TestTracker_EphemeralTaskFails(t *testing.T) {
	tr := New(newTestDB(t), nil, nil)

	tk, err := tr.Create(context.Background(), "doWork", nil, func(ctx context.Context, tc *Context) (json.RawMessage, error) {
		return nil, assert.AnError
	}, CreateOptions{})
	require.NoError(t, err)

	done := waitForStatus(t, tr, tk.ID, StatusFailed)
	require.NotNil(t, done.Error)
	assert.Contains(t, *done.Error, assert.AnError.Error())
}

func TestTracker_AbortCancelsRunningTask(t *testing.T) {
	tr := New(newTestDB(t), nil, nil)
	started := make(chan struct{})

	tk, err := tr.Create(context.Background(), "longRunning", nil, func(ctx context.Context, tc *Context) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, CreateOptions{})
	require.NoError(t, err)

	<-started
	require.NoError(t, tr.Abort(context.Background(), tk.ID))

	done := waitForStatus(t, tr, tk.ID, StatusAborted)
	require.NotNil(t, done.Error)
}

func TestTracker_AbortTerminalTaskIsConflict(t *testing.T) {
	tr := New(newTestDB(t), nil, nil)

	tk, err := tr.Create(context.Background(), "fast", nil, func(ctx context.Context, tc *Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, CreateOptions{})
	require.NoError(t, err)
	waitForStatus(t, tr, tk.ID, StatusCompleted)

	err = tr.Abort(context.Background(), tk.ID)
	assert.Error(t, err)
}

func TestTracker_TimeoutMeasuredFromMarkRunning(t *testing.T) {
	tr := New(newTestDB(t), nil, nil)

	tk, err := tr.Create(context.Background(), "slow", nil, func(ctx context.Context, tc *Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, CreateOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	done := waitForStatus(t, tr, tk.ID, StatusAborted)
	require.NotNil(t, done.Error)
	assert.Equal(t, "Task timed out", *done.Error)
}

func TestTracker_WaitForEventDelivered(t *testing.T) {
	tr := New(newTestDB(t), nil, nil)
	result := make(chan json.RawMessage, 1)

	tk, err := tr.Create(context.Background(), "waiter", nil, func(ctx context.Context, tc *Context) (json.RawMessage, error) {
		data, err := tc.WaitForEvent("wait-for-approval", "approval", time.Second)
		if err != nil {
			return nil, err
		}
		result <- data
		return data, nil
	}, CreateOptions{Durable: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok, _ := tr.Get(context.Background(), tk.ID)
		return ok && got.Status == StatusWaiting
	}, time.Second, 5*time.Millisecond)

	tr.DeliverEvent(tk.ID, "approval", json.RawMessage(`{"approved":true}`))

	select {
	case data := <-result:
		assert.JSONEq(t, `{"approved":true}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("waitForEvent never delivered")
	}
	waitForStatus(t, tr, tk.ID, StatusCompleted)
}

func TestTracker_DurableTaskViaInlineExecutor(t *testing.T) {
	tr := New(newTestDB(t), nil, NewInlineExecutor())

	tk, err := tr.Create(context.Background(), "durableWork", nil, func(ctx context.Context, tc *Context) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	}, CreateOptions{Durable: true})
	require.NoError(t, err)
	assert.True(t, tk.Durable)

	done := waitForStatus(t, tr, tk.ID, StatusCompleted)
	assert.JSONEq(t, `{"done":true}`, string(done.Result))
	require.NotNil(t, done.WorkflowInstanceID)
}

func TestTracker_SweepTerminalRemovesOldRows(t *testing.T) {
	tr := New(newTestDB(t), nil, nil)

	tk, err := tr.Create(context.Background(), "fast", nil, func(ctx context.Context, tc *Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, CreateOptions{})
	require.NoError(t, err)
	waitForStatus(t, tr, tk.ID, StatusCompleted)

	n, err := tr.SweepTerminal(context.Background(), -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := tr.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
