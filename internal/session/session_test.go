package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE cf_agents_sessions (id TEXT PRIMARY KEY, created_at TEXT NOT NULL, updated_at TEXT NOT NULL);
		CREATE TABLE cf_agents_events (
			session_id TEXT NOT NULL, seq INTEGER NOT NULL, action TEXT NOT NULL,
			data TEXT, created_at TEXT NOT NULL, PRIMARY KEY (session_id, seq)
		);`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAppend_AllocatesMonotonicSeqPerSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ev1, err := Append(ctx, db, "s1", ActionUserMessage, json.RawMessage(`"hi"`))
	require.NoError(t, err)
	require.Equal(t, int64(1), ev1.Seq)

	ev2, err := Append(ctx, db, "s1", ActionAgentMessage, json.RawMessage(`"hello"`))
	require.NoError(t, err)
	require.Equal(t, int64(2), ev2.Seq)

	ev3, err := Append(ctx, db, "s2", ActionUserMessage, json.RawMessage(`"other session"`))
	require.NoError(t, err)
	require.Equal(t, int64(1), ev3.Seq, "seq is per-session, not global")
}

func TestLoadWindow_ReturnsOrderedEventsAfterSeq(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := Append(ctx, db, "s1", ActionUserMessage, json.RawMessage(`"msg"`))
		require.NoError(t, err)
	}

	window, err := LoadWindow(ctx, db, "s1", 1, 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, int64(2), window[0].Seq)
	require.Equal(t, int64(3), window[1].Seq)
}

func TestLoad_CompactionDropsPriorMessages(t *testing.T) {
	events := []Event{
		{Seq: 1, Action: ActionUserMessage, Data: json.RawMessage(`"one"`)},
		{Seq: 2, Action: ActionAgentMessage, Data: json.RawMessage(`"two"`)},
		{Seq: 3, Action: ActionCompaction, Data: json.RawMessage(`"summary of one and two"`)},
		{Seq: 4, Action: ActionUserMessage, Data: json.RawMessage(`"three"`)},
	}

	wc := Load("s1", events)
	require.Len(t, wc.Messages, 2)
	require.Equal(t, "system", wc.Messages[0].Role)
	require.Equal(t, int64(4), wc.LastSeq)
}

func TestLoad_SystemInstructionReplacesLatestWins(t *testing.T) {
	events := []Event{
		{Seq: 1, Action: ActionSystemInstruction, Data: json.RawMessage(`"be terse"`)},
		{Seq: 2, Action: ActionSystemInstruction, Data: json.RawMessage(`"be verbose"`)},
	}
	wc := Load("s1", events)
	require.Equal(t, `"be verbose"`, wc.Instructions)
}

func TestExtractNewMessages_OnlyReturnsMessagesAfterSeq(t *testing.T) {
	wc := WorkingContext{Messages: []ContextMessage{
		{Seq: 1, Role: "user"},
		{Seq: 2, Role: "assistant"},
		{Seq: 3, Role: "user"},
	}}
	fresh := ExtractNewMessages(wc, 1)
	require.Len(t, fresh, 2)
	require.Equal(t, int64(2), fresh[0].Seq)
	require.Equal(t, int64(3), fresh[1].Seq)
}

func TestCommitTurn_ExtractsOnlyThisTurnsMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := Append(ctx, db, "s1", ActionUserMessage, json.RawMessage(`"earlier turn"`))
	require.NoError(t, err)

	produced := []struct {
		Action Action
		Data   json.RawMessage
	}{
		{ActionUserMessage, json.RawMessage(`"new question"`)},
		{ActionAgentMessage, json.RawMessage(`"new answer"`)},
	}

	wc, fresh, err := CommitTurn(ctx, db, "s1", produced)
	require.NoError(t, err)
	require.Len(t, wc.Messages, 3, "working context includes prior turns too")
	require.Len(t, fresh, 2, "extraction is scoped to just this turn's output")
	require.Equal(t, "user", fresh[0].Role)
	require.Equal(t, "assistant", fresh[1].Role)
}

func TestCommitTurn_SeparateSessionsDoNotShareSeqSpace(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	produced := []struct {
		Action Action
		Data   json.RawMessage
	}{{ActionUserMessage, json.RawMessage(`"m"`)}}

	_, _, err := CommitTurn(ctx, db, "a", produced)
	require.NoError(t, err)
	_, _, err = CommitTurn(ctx, db, "b", produced)
	require.NoError(t, err)

	winA, err := LoadWindow(ctx, db, "a", 0, 0)
	require.NoError(t, err)
	winB, err := LoadWindow(ctx, db, "b", 0, 0)
	require.NoError(t, err)
	require.Len(t, winA, 1)
	require.Len(t, winB, 1)
	require.Equal(t, int64(1), winA[0].Seq)
	require.Equal(t, int64(1), winB[0].Seq)
}
