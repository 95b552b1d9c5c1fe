package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
	"github.com/agentrt/agentrt/internal/common/logger"
)

// Sink is how the engine delivers frames to connections; implemented by the
// connection layer. BroadcastExcept must not re-deliver to connID.
type Sink interface {
	SendFrame(connID string, frameType string, payload any) error
	BroadcastExcept(connID string, frameType string, payload any)
}

// Chunk is one piece of a streamed onChatMessage response. A chunk either
// extends the current text part (Text) or replaces/appends a structured
// part (Part, e.g. a tool call) — exactly one is normally set.
type Chunk struct {
	Text string
	Part Part
	Done bool
}

// Handler runs one chat turn and streams its response. ctx is cancelled if
// the turn is aborted (chat clear, or a cf_agent_chat_request_cancel for
// this request).
type Handler func(ctx context.Context, body map[string]json.RawMessage, history []Message) (<-chan Chunk, error)

// IncomingMessage is a user-supplied message attached to a chat request.
type IncomingMessage struct {
	ID    string
	Role  Role
	Parts []Part
}

type queuedRequest struct {
	requestID string
	connID    string
	messages  []IncomingMessage
	body      map[string]json.RawMessage
}

type streamBuffer struct {
	chunks    []Chunk
	expiresAt time.Time
}

// Engine owns one instance's turn queue, message log, and resumable stream
// buffers. All persistence flows through db, which is the same *sql.DB the
// rest of the instance's subsystems share — SQLite's single writer
// connection is what keeps chat writes serialized against scheduler/task
// writes.
type Engine struct {
	db          *sql.DB
	log         *logger.Logger
	sink        Sink
	handler     Handler
	resumeGrace time.Duration
	flushEvery  time.Duration

	mu              sync.Mutex
	queue           []queuedRequest
	processing      bool
	activeRequestID string
	activeCancel    context.CancelFunc
	buffers         map[string]*streamBuffer
}

// Config configures an Engine.
type Config struct {
	ResumeGrace time.Duration
	FlushEvery  time.Duration
}

// NewEngine constructs a chat Engine over db, ensuring its additive schema.
func NewEngine(db *sql.DB, log *logger.Logger, sink Sink, handler Handler, cfg Config) (*Engine, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	if cfg.ResumeGrace <= 0 {
		cfg.ResumeGrace = 2 * time.Minute
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 250 * time.Millisecond
	}
	return &Engine{
		db:          db,
		log:         log,
		sink:        sink,
		handler:     handler,
		resumeGrace: cfg.ResumeGrace,
		flushEvery:  cfg.FlushEvery,
		buffers:     make(map[string]*streamBuffer),
	}, nil
}

// Submit enqueues a cf_agent_use_chat_request. Requests are processed in
// strict arrival order; only one turn is ever active.
func (e *Engine) Submit(requestID, connID string, messages []IncomingMessage, body map[string]json.RawMessage) {
	e.mu.Lock()
	e.queue = append(e.queue, queuedRequest{requestID: requestID, connID: connID, messages: messages, body: body})
	shouldStart := !e.processing
	if shouldStart {
		e.processing = true
	}
	e.mu.Unlock()

	if shouldStart {
		go e.drainQueue()
	}
}

func (e *Engine) drainQueue() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.processing = false
			e.mu.Unlock()
			return
		}
		req := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.processTurn(req)
	}
}

func (e *Engine) processTurn(req queuedRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.activeRequestID = req.requestID
	e.activeCancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.activeRequestID = ""
		e.activeCancel = nil
		e.mu.Unlock()
	}()

	// Step 1: persist new user-visible messages, dedup by id.
	for _, m := range req.messages {
		exists, err := messageExists(ctx, e.db, m.ID)
		if err != nil {
			e.logError("failed to check message existence", err)
			continue
		}
		if exists {
			continue
		}
		if err := insertMessage(ctx, e.db, Message{ID: m.ID, Role: m.Role, Parts: m.Parts, CreatedAt: time.Now().UTC(), Final: true}); err != nil {
			e.logError("failed to persist incoming message", err)
		}
	}

	// Step 2: store customBody — last non-empty wins, cleared if empty.
	if err := storeBody(ctx, e.db, req.body); err != nil {
		e.logError("failed to store chat body", err)
	}

	history, err := loadMessages(ctx, e.db)
	if err != nil {
		e.logError("failed to load message history", err)
		return
	}

	if e.handler == nil {
		return
	}
	chunks, err := e.handler(ctx, req.body, history)
	if err != nil {
		e.emitError(req.requestID, req.connID, err)
		return
	}

	e.streamResponse(ctx, req, chunks)
}

// streamResponse forwards chunks to the requesting connection, accumulates
// them into the in-progress assistant row (flushed periodically), and
// broadcasts the same updates to every other attached connection.
func (e *Engine) streamResponse(ctx context.Context, req queuedRequest, chunks <-chan Chunk) {
	assistantID := uuid.NewString()
	assistant := Message{ID: assistantID, Role: RoleAssistant, CreatedAt: time.Now().UTC()}
	var currentText []byte
	lastFlush := time.Now()

	flush := func() {
		if err := upsertMessage(ctx, e.db, assistant); err != nil {
			e.logError("failed to flush streaming assistant message", err)
		}
	}

	for chunk := range chunks {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if chunk.Done && chunk.Text == "" && chunk.Part == nil {
			continue
		}

		if chunk.Part != nil {
			assistant.Parts = append(assistant.Parts, chunk.Part)
		}
		if chunk.Text != "" {
			currentText = append(currentText, chunk.Text...)
			assistant.Parts = setTextPart(assistant.Parts, string(currentText))
		}

		body := chunk.Text
		e.sendResumable(req.connID, req.requestID, Chunk{Text: body, Done: false})
		e.sink.BroadcastExcept(req.connID, "cf_agent_use_chat_response", map[string]any{
			"id": req.requestID, "body": body, "done": false,
		})

		if time.Since(lastFlush) >= e.flushEvery {
			flush()
			lastFlush = time.Now()
		}
	}

	flush()
	assistant.Final = true

	e.sendResumable(req.connID, req.requestID, Chunk{Done: true})
	e.sink.BroadcastExcept(req.connID, "cf_agent_use_chat_response", map[string]any{
		"id": req.requestID, "body": "", "done": true,
	})
}

func (e *Engine) sendResumable(connID, requestID string, chunk Chunk) {
	e.bufferChunk(connID, chunk)
	payload := map[string]any{"id": requestID, "body": chunk.Text, "done": chunk.Done}
	if err := e.sink.SendFrame(connID, "cf_agent_use_chat_response", payload); err != nil && e.log != nil {
		e.log.Warn("chat: failed to deliver chunk to disconnected connection, buffering for replay")
	}
}

// setTextPart rewrites the trailing text part with the accumulated text so
// far, or appends a new one if the message has no trailing text part yet
// (e.g. it starts with a tool-call part).
func setTextPart(parts []Part, text string) []Part {
	encoded, _ := json.Marshal(map[string]string{"type": "text", "text": text})
	if len(parts) > 0 {
		var env partEnvelope
		if json.Unmarshal(parts[len(parts)-1], &env) == nil && env.Type == "text" {
			parts[len(parts)-1] = Part(encoded)
			return parts
		}
	}
	return append(parts, Part(encoded))
}

func (e *Engine) emitError(requestID, connID string, cause error) {
	if e.log != nil {
		e.log.Error(fmt.Sprintf("chat: turn failed: %v", cause))
	}
	_ = e.sink.SendFrame(connID, "cf_agent_use_chat_response", map[string]any{
		"id": requestID, "body": "", "done": true, "error": apperr.CodeOf(cause),
	})
}

func (e *Engine) logError(msg string, err error) {
	if e.log != nil {
		e.log.Error(fmt.Sprintf("%s: %v", msg, err))
	}
}

// Clear implements cf_agent_chat_clear: atomically deletes all messages and
// the stored body, aborts any in-flight turn, and drains the queue.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	if e.activeCancel != nil {
		e.activeCancel()
	}
	e.queue = nil
	e.mu.Unlock()

	return clearMessages(ctx, e.db)
}

// CancelRequest implements cf_agent_chat_request_cancel: aborts the named
// turn if it is the one currently active, and drops it from the queue if it
// is still waiting. A requestID that is neither active nor queued is a
// no-op.
func (e *Engine) CancelRequest(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeRequestID == requestID && e.activeCancel != nil {
		e.activeCancel()
		return
	}
	kept := e.queue[:0]
	for _, req := range e.queue {
		if req.requestID != requestID {
			kept = append(kept, req)
		}
	}
	e.queue = kept
}

// History returns the full persisted message log, in order.
func (e *Engine) History(ctx context.Context) ([]Message, error) {
	return loadMessages(ctx, e.db)
}
