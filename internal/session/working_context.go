package session

import (
	"context"
	"database/sql"
	"encoding/json"
)

// ContextMessage is one instruction-or-turn entry surfaced to an LLM call by
// a WorkingContext projection.
type ContextMessage struct {
	Seq     int64
	Role    string
	Content json.RawMessage
}

// WorkingContext is an ephemeral, in-memory projection of a session's event
// log: instructions plus messages, as of the last seq it was built from. It
// is never persisted itself — only the events it was folded from are.
type WorkingContext struct {
	SessionID    string
	Instructions string
	Messages     []ContextMessage
	LastSeq      int64
}

// Load folds a window of events (already ordered by seq ascending, as
// returned by LoadWindow) into a WorkingContext. It is a pure function: the
// same events always produce the same projection, with no I/O and no
// reliance on ambient state.
//
// system_instruction events replace Instructions outright (the latest wins).
// compaction events drop every prior message, replacing them with the
// compaction event's own content as a single synthetic system-role message —
// the mechanism by which a long-running session keeps its working context
// bounded.
func Load(sessionID string, events []Event) WorkingContext {
	wc := WorkingContext{SessionID: sessionID}
	for _, ev := range events {
		switch ev.Action {
		case ActionSystemInstruction:
			wc.Instructions = string(ev.Data)
		case ActionCompaction:
			wc.Messages = []ContextMessage{{Seq: ev.Seq, Role: "system", Content: ev.Data}}
		case ActionUserMessage:
			wc.Messages = append(wc.Messages, ContextMessage{Seq: ev.Seq, Role: "user", Content: ev.Data})
		case ActionAgentMessage:
			wc.Messages = append(wc.Messages, ContextMessage{Seq: ev.Seq, Role: "assistant", Content: ev.Data})
		case ActionToolCallRequest:
			wc.Messages = append(wc.Messages, ContextMessage{Seq: ev.Seq, Role: "tool_call", Content: ev.Data})
		case ActionToolResult:
			wc.Messages = append(wc.Messages, ContextMessage{Seq: ev.Seq, Role: "tool_result", Content: ev.Data})
		}
		if ev.Seq > wc.LastSeq {
			wc.LastSeq = ev.Seq
		}
	}
	return wc
}

// LoadContext is the I/O-performing counterpart to Load: it reads the full
// event window for sessionID and folds it, in one call.
func LoadContext(ctx context.Context, db *sql.DB, sessionID string) (WorkingContext, error) {
	events, err := LoadWindow(ctx, db, sessionID, 0, 0)
	if err != nil {
		return WorkingContext{}, err
	}
	return Load(sessionID, events), nil
}

// ExtractNewMessages returns the messages in wc with seq strictly greater
// than sinceSeq, in seq order — the slice of a turn's output not yet seen by
// a caller holding an older projection.
func ExtractNewMessages(wc WorkingContext, sinceSeq int64) []ContextMessage {
	var out []ContextMessage
	for _, m := range wc.Messages {
		if m.Seq > sinceSeq {
			out = append(out, m)
		}
	}
	return out
}

// CommitTurn atomically appends one or more new events produced by a
// completed turn and returns the resulting WorkingContext together with just
// the newly-extracted messages. Because Append's seq allocation and this
// read happen without releasing db's single-writer discipline to any other
// caller in between, a concurrent turn on the same session can never
// interleave its own writes into the middle of this one.
func CommitTurn(ctx context.Context, db *sql.DB, sessionID string, produced []struct {
	Action Action
	Data   json.RawMessage
}) (WorkingContext, []ContextMessage, error) {
	sinceSeq, err := highestPriorSeq(ctx, db, sessionID)
	if err != nil {
		return WorkingContext{}, nil, err
	}

	for _, p := range produced {
		if _, err := Append(ctx, db, sessionID, p.Action, p.Data); err != nil {
			return WorkingContext{}, nil, err
		}
	}

	wc, err := LoadContext(ctx, db, sessionID)
	if err != nil {
		return WorkingContext{}, nil, err
	}
	return wc, ExtractNewMessages(wc, sinceSeq), nil
}

func highestPriorSeq(ctx context.Context, db *sql.DB, sessionID string) (int64, error) {
	next, err := nextSeq(ctx, db, sessionID)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}
