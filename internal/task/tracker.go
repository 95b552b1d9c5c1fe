package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
	"github.com/agentrt/agentrt/internal/common/logger"
)

// Func is the body of an ephemeral or durable task. It returns the JSON
// result stored on completion, or an error that fails the task.
type Func func(ctx context.Context, tc *Context) (json.RawMessage, error)

// controller is the in-memory handle for one in-flight task: its
// cancellation and the registered Func, kept separate from the persisted
// row so a process restart never needs to resume a goroutine (ephemeral
// tasks simply fail as orphaned; durable tasks resume from the external
// executor's own state).
type controller struct {
	cancel  context.CancelFunc
	waiters map[string][]chan json.RawMessage // keyed by event type, for waitForEvent
	mu      sync.Mutex
}

// Tracker owns every task for one agent instance.
type Tracker struct {
	db       *sql.DB
	log      *logger.Logger
	executor DurableExecutor

	mu          sync.Mutex
	controllers map[string]*controller
}

// New constructs a Tracker. executor may be nil, in which case durable
// tasks run through the inline stub executor (see durable.go).
func New(db *sql.DB, log *logger.Logger, executor DurableExecutor) *Tracker {
	if executor == nil {
		executor = NewInlineExecutor()
	}
	return &Tracker{
		db:          db,
		log:         log,
		executor:    executor,
		controllers: make(map[string]*controller),
	}
}

// CreateOptions configures a new task at creation time.
type CreateOptions struct {
	Durable bool
	Timeout time.Duration
}

// Create persists a new task in `pending` and starts it. Ephemeral tasks run
// fn directly on a goroutine owned by the tracker; durable tasks are handed
// to the configured DurableExecutor, which reports status back through
// ApplyUpdate.
func (t *Tracker) Create(ctx context.Context, method string, input json.RawMessage, fn Func, opts CreateOptions) (*Task, error) {
	tk := &Task{
		ID:        uuid.NewString(),
		Method:    method,
		Input:     input,
		Status:    StatusPending,
		Durable:   opts.Durable,
		CreatedAt: time.Now().UTC(),
	}
	if opts.Timeout > 0 {
		ms := int64(opts.Timeout / time.Millisecond)
		tk.TimeoutMS = &ms
	}

	if err := t.insert(ctx, tk); err != nil {
		return nil, err
	}

	ctrl := &controller{waiters: make(map[string][]chan json.RawMessage)}
	runCtx, cancel := context.WithCancel(context.Background())
	ctrl.cancel = cancel

	t.mu.Lock()
	t.controllers[tk.ID] = ctrl
	t.mu.Unlock()

	if err := t.markRunning(ctx, tk.ID); err != nil {
		return nil, err
	}

	if opts.Durable {
		tc := &Context{taskID: tk.ID, tracker: t, ctx: runCtx, durable: true}
		workflowID, err := t.executor.Submit(runCtx, *tk, fn, tc, func(u Update) {
			_ = t.ApplyUpdate(context.Background(), u)
		})
		if err != nil {
			t.finish(context.Background(), tk.ID, StatusFailed, nil, err.Error())
			return nil, apperr.Downstreamf(err, "durable task submission failed")
		}
		_, _ = t.db.ExecContext(ctx, `UPDATE cf_agents_tasks SET workflow_instance_id = ? WHERE id = ?`, workflowID, tk.ID)
	} else {
		go t.runEphemeral(runCtx, tk.ID, fn)
	}

	return t.mustGet(ctx, tk.ID)
}

func (t *Tracker) runEphemeral(ctx context.Context, taskID string, fn Func) {
	tc := &Context{taskID: taskID, tracker: t, ctx: ctx}

	if tk, ok, _ := t.Get(context.Background(), taskID); ok && tk.TimeoutMS != nil {
		d := time.Duration(*tk.TimeoutMS) * time.Millisecond
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
		tc.ctx = ctx
	}

	result, err := fn(ctx, tc)
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		t.finish(context.Background(), taskID, StatusAborted, nil, "Task timed out")
	case ctx.Err() == context.Canceled:
		t.finish(context.Background(), taskID, StatusAborted, nil, "Task aborted")
	case err != nil:
		t.finish(context.Background(), taskID, StatusFailed, nil, err.Error())
	default:
		t.finish(context.Background(), taskID, StatusCompleted, result, "")
	}
}

// Abort requests cancellation of an in-flight task. Aborting a task not in
// `running`/`waiting`/`pending` is a conflict (§7): the state machine has no
// transition out of a terminal state.
func (t *Tracker) Abort(ctx context.Context, taskID string) error {
	tk, ok, err := t.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFoundf("task %s not found", taskID)
	}
	if tk.Status.terminal() {
		return apperr.Conflictf("task %s is already %s", taskID, tk.Status)
	}

	t.mu.Lock()
	ctrl := t.controllers[taskID]
	t.mu.Unlock()
	if ctrl != nil {
		ctrl.cancel()
	}

	if tk.Durable {
		if err := t.executor.Cancel(ctx, tk); err != nil && t.log != nil {
			t.log.Error("task: durable cancel failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	return t.finish(ctx, taskID, StatusAborted, nil, "Task aborted")
}

// Get returns a task by id, or ok=false if it does not exist.
func (t *Tracker) Get(ctx context.Context, taskID string) (*Task, bool, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, method, input, status, result, error, events, progress, timeout_ms,
		       deadline_at, durable, workflow_instance_id, current_step, created_at, started_at, completed_at
		FROM cf_agents_tasks WHERE id = ?`, taskID)
	tk, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	return tk, true, nil
}

func (t *Tracker) mustGet(ctx context.Context, taskID string) (*Task, error) {
	tk, ok, err := t.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Internalf(nil, "task %s vanished immediately after creation", taskID)
	}
	return tk, nil
}

func (t *Tracker) insert(ctx context.Context, tk *Task) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO cf_agents_tasks (id, method, input, status, events, durable, timeout_ms, created_at)
		VALUES (?, ?, ?, ?, '[]', ?, ?, ?)`,
		tk.ID, tk.Method, nullableJSON(tk.Input), string(tk.Status), boolToInt(tk.Durable), tk.TimeoutMS, tk.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}
	return nil
}

// markRunning transitions pending->running and sets deadline_at from *now*,
// not from task creation — a task queued behind others does not burn its
// timeout budget while waiting.
func (t *Tracker) markRunning(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	var deadline any
	row := t.db.QueryRowContext(ctx, `SELECT timeout_ms FROM cf_agents_tasks WHERE id = ?`, taskID)
	var timeoutMS sql.NullInt64
	if err := row.Scan(&timeoutMS); err != nil {
		return fmt.Errorf("failed to read task %s timeout: %w", taskID, err)
	}
	if timeoutMS.Valid {
		deadline = now.UnixMilli() + timeoutMS.Int64
	}

	_, err := t.db.ExecContext(ctx, `
		UPDATE cf_agents_tasks SET status = ?, started_at = ?, deadline_at = ? WHERE id = ?`,
		string(StatusRunning), now.Format(time.RFC3339Nano), deadline, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task %s running: %w", taskID, err)
	}
	return nil
}

func (t *Tracker) finish(ctx context.Context, taskID string, status Status, result json.RawMessage, errMsg string) error {
	now := time.Now().UTC()
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE cf_agents_tasks SET status = ?, result = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), nullableJSON(result), errVal, now.Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", taskID, err)
	}

	t.mu.Lock()
	delete(t.controllers, taskID)
	t.mu.Unlock()
	return nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var tk Task
	var status string
	var input, result, errStr, eventsRaw sql.NullString
	var progress, timeoutMS, deadlineAt sql.NullInt64
	var durable int
	var workflowID, currentStep sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	if err := row.Scan(&tk.ID, &tk.Method, &input, &status, &result, &errStr, &eventsRaw,
		&progress, &timeoutMS, &deadlineAt, &durable, &workflowID, &currentStep,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	tk.Status = Status(status)
	tk.Durable = durable != 0
	if input.Valid {
		tk.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		tk.Result = json.RawMessage(result.String)
	}
	if errStr.Valid {
		v := errStr.String
		tk.Error = &v
	}
	if eventsRaw.Valid {
		_ = json.Unmarshal([]byte(eventsRaw.String), &tk.Events)
	}
	if progress.Valid {
		v := int(progress.Int64)
		tk.Progress = &v
	}
	if timeoutMS.Valid {
		v := timeoutMS.Int64
		tk.TimeoutMS = &v
	}
	if deadlineAt.Valid {
		v := deadlineAt.Int64
		tk.DeadlineAt = &v
	}
	if workflowID.Valid {
		v := workflowID.String
		tk.WorkflowInstanceID = &v
	}
	if currentStep.Valid {
		v := currentStep.String
		tk.CurrentStep = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		tk.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			tk.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			tk.CompletedAt = &t
		}
	}

	return &tk, nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
