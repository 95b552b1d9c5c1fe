// Package scheduler implements per-instance durable scheduling: one-shot
// delay, absolute-time, and recurring cron callbacks persisted in the
// cf_agents_schedules table, re-armed to a single earliest-future-time
// wakeup on every change so an idle instance holds at most one timer.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
	"github.com/agentrt/agentrt/internal/common/logger"
	"go.uber.org/zap"
)

// Kind discriminates how a schedule computes its next fire time.
type Kind string

const (
	KindDelay   Kind = "delay"
	KindInstant Kind = "instant"
	KindCron    Kind = "cron"
)

// cronParser accepts the traditional 5-field form and an optional leading
// seconds field, matching spec.md's "5-field cron, seconds optional".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is one persisted entry in cf_agents_schedules.
type Schedule struct {
	ID             string
	CallbackMethod string
	Payload        json.RawMessage
	Kind           Kind
	Time           int64 // next fire, unix milliseconds
	DelayMS        *int64
	Cron           *string
	CreatedAt      time.Time
}

// Fire is invoked once per due schedule, in (time ASC, id ASC) order within
// a single wakeup. The scheduler does not invoke agent code directly: Fire
// is expected to enqueue the callback onto the instance's mailbox so it runs
// under the normal single-writer serialization, not on the scheduler's own
// goroutine.
type Fire func(ctx context.Context, schedule Schedule)

// Scheduler owns the single wakeup timer for one agent instance.
type Scheduler struct {
	db     *sql.DB
	log    *logger.Logger
	fire   Fire
	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	closed bool
}

// New constructs a Scheduler bound to an instance's store. Callers must
// invoke Start once the instance is ready to receive fires (typically right
// after onStart succeeds), so an early cron fire can't race instance setup.
func New(db *sql.DB, log *logger.Logger, fire Fire) *Scheduler {
	return &Scheduler{
		db:     db,
		log:    log,
		fire:   fire,
		stopCh: make(chan struct{}),
	}
}

// Start loads the earliest persisted schedule, if any, and arms the wakeup.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.rearm(ctx)
}

// Stop cancels the pending timer. The persisted rows are untouched: a later
// Start (e.g. after process restart) re-arms from the same state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.stopCh)
}

// ScheduleDelay persists a one-shot callback to fire after d elapses.
func (s *Scheduler) ScheduleDelay(ctx context.Context, method string, payload json.RawMessage, d time.Duration) (Schedule, error) {
	ms := int64(d / time.Millisecond)
	return s.insert(ctx, Schedule{
		ID:             uuid.NewString(),
		CallbackMethod: method,
		Payload:        payload,
		Kind:           KindDelay,
		Time:           time.Now().UnixMilli() + ms,
		DelayMS:        &ms,
		CreatedAt:      time.Now().UTC(),
	})
}

// ScheduleAt persists a one-shot callback to fire at an absolute time.
func (s *Scheduler) ScheduleAt(ctx context.Context, method string, payload json.RawMessage, when time.Time) (Schedule, error) {
	return s.insert(ctx, Schedule{
		ID:             uuid.NewString(),
		CallbackMethod: method,
		Payload:        payload,
		Kind:           KindInstant,
		Time:           when.UnixMilli(),
		CreatedAt:      time.Now().UTC(),
	})
}

// ScheduleCron persists a recurring callback. The expression is validated
// synchronously so a bad cron string fails the call instead of silently
// never firing.
func (s *Scheduler) ScheduleCron(ctx context.Context, method string, payload json.RawMessage, expr string) (Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, apperr.Invalidf("invalid cron expression %q: %v", expr, err)
	}
	next := sched.Next(time.Now())
	return s.insert(ctx, Schedule{
		ID:             uuid.NewString(),
		CallbackMethod: method,
		Payload:        payload,
		Kind:           KindCron,
		Time:           next.UnixMilli(),
		Cron:           &expr,
		CreatedAt:      time.Now().UTC(),
	})
}

// Cancel deletes a persisted schedule by id and re-arms the wakeup. Cancel
// of an unknown id is a no-op (see spec.md §7: lookups return absence, not
// an error).
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cf_agents_schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to cancel schedule %s: %w", id, err)
	}
	return s.rearm(ctx)
}

// Get returns a persisted schedule by id, or ok=false if it does not exist.
func (s *Scheduler) Get(ctx context.Context, id string) (Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, callback_method, payload, kind, time, delay_ms, cron, created_at
		FROM cf_agents_schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return Schedule{}, false, nil
	}
	if err != nil {
		return Schedule{}, false, fmt.Errorf("failed to load schedule %s: %w", id, err)
	}
	return sc, true, nil
}

func (s *Scheduler) insert(ctx context.Context, sc Schedule) (Schedule, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cf_agents_schedules (id, payload, callback_method, kind, time, delay_ms, cron, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, nullableJSON(sc.Payload), sc.CallbackMethod, string(sc.Kind), sc.Time, sc.DelayMS, sc.Cron, sc.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to persist schedule: %w", err)
	}
	if err := s.rearm(ctx); err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

// rearm recomputes the single outstanding timer from the earliest-future
// persisted row. It is called after every insert/cancel/fire so the
// scheduler never holds more than one in-flight timer.
func (s *Scheduler) rearm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, callback_method, payload, kind, time, delay_ms, cron, created_at
		FROM cf_agents_schedules ORDER BY time ASC, id ASC LIMIT 1`)
	next, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		s.timer = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load next schedule: %w", err)
	}

	delay := time.Until(time.UnixMilli(next.Time))
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.wakeup)
	return nil
}

// wakeup drains every due row (time ASC, id ASC), firing each exactly once,
// advancing cron rows to their next occurrence and deleting one-shot rows,
// then re-arms for whatever remains.
func (s *Scheduler) wakeup() {
	ctx := context.Background()

	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, callback_method, payload, kind, time, delay_ms, cron, created_at
			FROM cf_agents_schedules WHERE time <= ? ORDER BY time ASC, id ASC LIMIT 1`,
			time.Now().UnixMilli())
		sc, err := scanSchedule(row)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			if s.log != nil {
				s.log.Error("scheduler: failed to load due schedule", zap.Error(err))
			}
			break
		}

		if sc.Kind == KindCron && sc.Cron != nil {
			cronSched, parseErr := cronParser.Parse(*sc.Cron)
			if parseErr != nil {
				if s.log != nil {
					s.log.Error("scheduler: cron re-parse failed, dropping schedule", zap.Error(parseErr))
				}
				_, _ = s.db.ExecContext(ctx, `DELETE FROM cf_agents_schedules WHERE id = ?`, sc.ID)
			} else {
				next := cronSched.Next(time.Now())
				_, _ = s.db.ExecContext(ctx, `UPDATE cf_agents_schedules SET time = ? WHERE id = ?`, next.UnixMilli(), sc.ID)
			}
		} else {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM cf_agents_schedules WHERE id = ?`, sc.ID)
		}

		if s.fire != nil {
			s.fire(ctx, sc)
		}
	}

	if err := s.rearm(ctx); err != nil && s.log != nil {
		s.log.Error("scheduler: failed to rearm after wakeup", zap.Error(err))
	}
}

func scanSchedule(row *sql.Row) (Schedule, error) {
	var sc Schedule
	var kind string
	var payload sql.NullString
	var createdAt string
	if err := row.Scan(&sc.ID, &sc.CallbackMethod, &payload, &kind, &sc.Time, &sc.DelayMS, &sc.Cron, &createdAt); err != nil {
		return Schedule{}, err
	}
	sc.Kind = Kind(kind)
	if payload.Valid {
		sc.Payload = json.RawMessage(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sc.CreatedAt = t
	}
	return sc, nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
