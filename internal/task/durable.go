package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
	"github.com/agentrt/agentrt/internal/events"
	"github.com/agentrt/agentrt/internal/events/bus"
)

// DurableExecutor is the capability interface a durable task is submitted
// to. The real implementation runs out-of-process and reports status back
// over the event bus at events.BuildWorkflowUpdateSubject(class, name); it
// is not part of this module (spec scope explicitly excludes it). The only
// implementation shipped here, InlineExecutor, runs the task body locally
// and reports updates through its onUpdate callback, which folds them in
// with ApplyUpdate directly rather than over the bus.
type DurableExecutor interface {
	// Submit starts a durable run of tk and returns an executor-assigned
	// workflow instance id used to correlate later updates. tc is the
	// task's Context, already bound to the owning tracker so step/sleep/
	// waitForEvent/emit/setProgress work as they would for an ephemeral run.
	Submit(ctx context.Context, tk Task, fn Func, tc *Context, onUpdate func(Update)) (workflowInstanceID string, err error)

	// Cancel requests the external executor abort a previously submitted run.
	Cancel(ctx context.Context, tk Task) error
}

// Update mirrors the reserved handleWorkflowUpdate({taskId,event?,progress?,
// status?,result?,error?}) payload the durable bridge delivers.
type Update struct {
	TaskID   string          `json:"taskId"`
	Event    *Event          `json:"event,omitempty"`
	Progress *int            `json:"progress,omitempty"`
	Status   *Status         `json:"status,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *string         `json:"error,omitempty"`
}

// InlineExecutor runs a durable task's body in-process instead of
// dispatching to an external step executor. It exists so durable tasks have
// a working default when no real executor is wired, and so the
// handleWorkflowUpdate bridge path is genuinely exercised rather than dead
// code.
type InlineExecutor struct{}

// NewInlineExecutor constructs the local stand-in DurableExecutor.
func NewInlineExecutor() *InlineExecutor {
	return &InlineExecutor{}
}

func (e *InlineExecutor) Submit(ctx context.Context, tk Task, fn Func, tc *Context, onUpdate func(Update)) (string, error) {
	workflowID := "inline-" + tk.ID

	go func() {
		result, err := fn(ctx, tc)
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			status := StatusAborted
			msg := "Task timed out"
			onUpdate(Update{TaskID: tk.ID, Status: &status, Error: &msg})
		case ctx.Err() == context.Canceled:
			status := StatusAborted
			msg := "Task aborted"
			onUpdate(Update{TaskID: tk.ID, Status: &status, Error: &msg})
		case err != nil:
			status := StatusFailed
			msg := err.Error()
			onUpdate(Update{TaskID: tk.ID, Status: &status, Error: &msg})
		default:
			status := StatusCompleted
			onUpdate(Update{TaskID: tk.ID, Status: &status, Result: result})
		}
	}()

	return workflowID, nil
}

func (e *InlineExecutor) Cancel(ctx context.Context, tk Task) error {
	return nil
}

// ApplyUpdate folds one Update into the task's persisted row: this is the
// body of the reserved handleWorkflowUpdate method, invoked whether the
// update arrived through InlineExecutor's direct callback or over the event
// bus from a real external executor.
func (t *Tracker) ApplyUpdate(ctx context.Context, u Update) error {
	tk, ok, err := t.Get(ctx, u.TaskID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFoundf("task %s not found for workflow update", u.TaskID)
	}
	if tk.Status.terminal() {
		return apperr.Conflictf("task %s already terminal, ignoring workflow update", u.TaskID)
	}

	if u.Event != nil {
		if err := t.appendEvent(ctx, u.TaskID, *u.Event); err != nil {
			return err
		}
	}
	if u.Progress != nil {
		if err := t.setProgress(ctx, u.TaskID, *u.Progress); err != nil {
			return err
		}
	}

	switch {
	case u.Status == nil:
		return nil
	case *u.Status == StatusWaiting:
		return t.markWaiting(ctx, u.TaskID)
	case *u.Status == StatusRunning:
		return t.markRunning(ctx, u.TaskID)
	case u.Status.terminalPtr():
		errMsg := ""
		if u.Error != nil {
			errMsg = *u.Error
		}
		return t.finish(ctx, u.TaskID, *u.Status, u.Result, errMsg)
	default:
		return fmt.Errorf("unsupported workflow update status %q", *u.Status)
	}
}

func (s *Status) terminalPtr() bool {
	return s != nil && s.terminal()
}

// SubscribeWorkflowUpdates wires the tracker to the shared event bus so
// updates published by an external durable executor on
// events.BuildWorkflowUpdateSubject(class, name) are folded into task rows
// exactly like InlineExecutor's direct callback.
func (t *Tracker) SubscribeWorkflowUpdates(b bus.EventBus, class, name string) (bus.Subscription, error) {
	subject := events.BuildWorkflowUpdateSubject(class, name)
	return b.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to re-encode workflow update event: %w", err)
		}
		var u Update
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("failed to decode workflow update event: %w", err)
		}
		return t.ApplyUpdate(ctx, u)
	})
}

// PublishUpdate publishes an Update onto the workflow-update subject. A real
// external executor calls the equivalent on its side; InlineExecutor instead
// calls ApplyUpdate directly through its onUpdate callback to avoid a bus
// round trip for the purely local case.
func PublishUpdate(ctx context.Context, b bus.EventBus, class, name string, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode workflow update: %w", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return fmt.Errorf("failed to normalize workflow update: %w", err)
	}
	ev := bus.NewEvent("workflow.update", "task-tracker", asMap)
	return b.Publish(ctx, events.BuildWorkflowUpdateSubject(class, name), ev)
}
