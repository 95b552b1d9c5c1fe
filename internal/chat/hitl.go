package chat

import (
	"context"
	"encoding/json"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
)

// ToolResult is the payload of a cf_agent_tool_result frame.
type ToolResult struct {
	ToolCallID   string
	ToolName     string
	Output       json.RawMessage
	AutoContinue bool
}

// ApplyToolResult locates the matching tool part in state "input-available"
// within the last message, requiring that message be role-assistant, and
// transitions it to "output-available" with the provided output. A result
// referencing a toolCallId from an older, already-superseded assistant
// message is ignored rather than applied. If AutoContinue is set, a
// continuation turn is enqueued using the stored chat body and the now-
// updated history, with no new user-visible message.
func (e *Engine) ApplyToolResult(ctx context.Context, connID string, result ToolResult) error {
	history, err := e.History(ctx)
	if err != nil {
		return err
	}

	msgIdx, partIdx, found := lastToolPartAwaitingInput(history, result.ToolCallID)
	if !found {
		return apperr.NotFoundf("no tool part awaiting input for call %s", result.ToolCallID)
	}

	updated, err := history[msgIdx].Parts[partIdx].withToolResult(result.Output)
	if err != nil {
		return apperr.Internalf(err, "failed to apply tool result")
	}
	history[msgIdx].Parts[partIdx] = updated

	if err := upsertMessage(ctx, e.db, history[msgIdx]); err != nil {
		return err
	}
	e.sink.BroadcastExcept("", "cf_agent_chat_messages", map[string]any{
		"messages": []Message{history[msgIdx]},
	})

	if result.AutoContinue {
		body, err := loadBody(ctx, e.db)
		if err != nil {
			return err
		}
		e.Submit(genContinuationID(result.ToolCallID), connID, nil, body)
	}

	return nil
}

func genContinuationID(seed string) string {
	return "continuation-" + seed
}
