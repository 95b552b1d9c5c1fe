package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Context is the API surface available to code running inside a task Func:
// cancellation, progress reporting, event emission, and the step/sleep/
// waitForEvent primitives durable tasks use to checkpoint.
type Context struct {
	taskID  string
	tracker *Tracker
	ctx     context.Context
	durable bool
}

// TaskID returns the id of the task this context belongs to.
func (c *Context) TaskID() string { return c.taskID }

// Done returns the cancellation channel for this task's run; it fires on
// abort or timeout.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Err reports why Done fired, or nil if the task is still running.
func (c *Context) Err() error { return c.ctx.Err() }

// Emit appends a typed event to the task's event log.
func (c *Context) Emit(eventType string, data json.RawMessage) error {
	ev := Event{Type: eventType, Data: data, CreatedAt: time.Now().UTC()}
	return c.tracker.appendEvent(c.ctx, c.taskID, ev)
}

// SetProgress records progress in [0, 100]. Out-of-range values are clamped;
// repeated identical values are a no-op write (idempotent).
func (c *Context) SetProgress(n int) error {
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return c.tracker.setProgress(c.ctx, c.taskID, n)
}

// Step runs fn, recording its name as current_step before invocation so a
// crash mid-step is observable from the persisted row. Step result/err is
// not separately persisted; callers fold it into the task's final result.
func (c *Context) Step(name string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if err := c.tracker.setCurrentStep(c.ctx, c.taskID, name); err != nil {
		return nil, err
	}
	result, err := fn(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("step %q failed: %w", name, err)
	}
	return result, nil
}

// Sleep suspends the task for d, honoring cancellation. In ephemeral mode
// this is a plain local timer and the task stays `running`. In durable mode
// it transitions to `waiting` for the duration, as a real checkpointed sleep
// would — this is the only shipped durable implementation (the real
// executor is an external capability), simulated by flipping status around
// a plain timer.
func (c *Context) Sleep(name string, d time.Duration) error {
	if err := c.tracker.setCurrentStep(c.ctx, c.taskID, name); err != nil {
		return err
	}
	if c.durable {
		if err := c.tracker.markWaiting(c.ctx, c.taskID); err != nil {
			return err
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	if c.durable {
		return c.tracker.markRunning(context.Background(), c.taskID)
	}
	return nil
}

// WaitForEvent blocks until an event of eventType is delivered to this task
// (via Tracker.DeliverEvent) or timeout elapses. Ephemeral tasks have no
// external executor to resume them from `waiting`, so they fail fast
// instead of blocking indefinitely.
func (c *Context) WaitForEvent(name, eventType string, timeout time.Duration) (json.RawMessage, error) {
	if !c.durable {
		return nil, fmt.Errorf("waitForEvent is only supported for durable tasks")
	}
	if err := c.tracker.setCurrentStep(c.ctx, c.taskID, name); err != nil {
		return nil, err
	}
	ch := c.tracker.registerWaiter(c.taskID, eventType)
	if err := c.tracker.markWaiting(c.ctx, c.taskID); err != nil {
		c.tracker.unregisterWaiter(c.taskID, eventType, ch)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		if err := c.tracker.markRunning(context.Background(), c.taskID); err != nil {
			return nil, err
		}
		return data, nil
	case <-timer.C:
		c.tracker.unregisterWaiter(c.taskID, eventType, ch)
		return nil, fmt.Errorf("waitForEvent %q timed out after %s", eventType, timeout)
	case <-c.ctx.Done():
		c.tracker.unregisterWaiter(c.taskID, eventType, ch)
		return nil, c.ctx.Err()
	}
}
