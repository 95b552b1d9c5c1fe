package scheduler

import (
	"context"
	"database/sql"
	"sync"
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
	_, err = db.Exec(`CREATE TABLE cf_agents_schedules (
		id TEXT PRIMARY KEY,
		payload TEXT,
		callback_method TEXT NOT NULL,
		kind TEXT NOT NULL,
		time INTEGER NOT NULL,
		delay_ms INTEGER,
		cron TEXT,
		created_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fireRecorder struct {
	mu      sync.Mutex
	methods []string
}

func (r *fireRecorder) record(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
}

func (r *fireRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.methods))
	copy(out, r.methods)
	return out
}

func TestScheduler_DelayFiresOnce(t *testing.T) {
	db := newTestDB(t)
	rec := &fireRecorder{}
	s := New(db, nil, func(ctx context.Context, sc Schedule) {
		rec.record(sc.CallbackMethod)
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	_, err := s.ScheduleDelay(context.Background(), "onTick", nil, 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM cf_agents_schedules`).Scan(&count))
	assert.Equal(t, 0, count, "one-shot schedule should be deleted after firing")
}

func TestScheduler_MultipleDueRowsFireInTimeIDOrder(t *testing.T) {
	db := newTestDB(t)
	rec := &fireRecorder{}
	var wg sync.WaitGroup
	wg.Add(3)
	s := New(db, nil, func(ctx context.Context, sc Schedule) {
		rec.record(sc.CallbackMethod)
		wg.Done()
	})

	past := time.Now().Add(-time.Minute).UnixMilli()
	_, err := db.Exec(`INSERT INTO cf_agents_schedules (id, callback_method, kind, time, created_at) VALUES
		('b', 'second', 'instant', ?, '2026-01-01T00:00:00Z'),
		('a', 'first', 'instant', ?, '2026-01-01T00:00:00Z'),
		('c', 'third', 'instant', ?, '2026-01-01T00:00:00Z')`,
		past, past, past+1)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	wg.Wait()
	assert.Equal(t, []string{"first", "second", "third"}, rec.snapshot())
}

func TestScheduler_CronReschedulesInsteadOfDeleting(t *testing.T) {
	db := newTestDB(t)
	fired := make(chan struct{}, 1)
	s := New(db, nil, func(ctx context.Context, sc Schedule) {
		fired <- struct{}{}
	})

	_, err := s.ScheduleCron(context.Background(), "onCron", nil, "* * * * * *")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron schedule never fired")
	}

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM cf_agents_schedules`).Scan(&count))
	assert.Equal(t, 1, count, "cron schedule should persist, rescheduled to its next occurrence")
}

func TestScheduler_CancelRemovesSchedule(t *testing.T) {
	db := newTestDB(t)
	s := New(db, nil, func(ctx context.Context, sc Schedule) {})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	sc, err := s.ScheduleDelay(context.Background(), "onTick", nil, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), sc.ID))

	_, ok, err := s.Get(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduler_InvalidCronRejected(t *testing.T) {
	db := newTestDB(t)
	s := New(db, nil, func(ctx context.Context, sc Schedule) {})

	_, err := s.ScheduleCron(context.Background(), "onCron", nil, "not a cron expression")
	assert.Error(t, err)
}
