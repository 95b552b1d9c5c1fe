package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
	"github.com/agentrt/agentrt/internal/chat"
	"github.com/agentrt/agentrt/internal/common/config"
	"github.com/agentrt/agentrt/internal/common/logger"
	"github.com/agentrt/agentrt/internal/common/tracing"
	"github.com/agentrt/agentrt/internal/events/bus"
	"github.com/agentrt/agentrt/internal/mcp"
	"github.com/agentrt/agentrt/internal/persistence"
	"github.com/agentrt/agentrt/internal/scheduler"
	"github.com/agentrt/agentrt/internal/task"
	"github.com/agentrt/agentrt/internal/voice"
)

// degradedBackoff is how long a failed onStart keeps the instance refusing
// new work before a retry is attempted (§4.1).
const degradedBackoff = 5 * time.Second

// Dependencies bundles the host-application callbacks and collaborators an
// instance needs beyond its own class Handlers: the chat turn runner, the
// durable task executor, the per-connection voice collaborator factory, and
// the process-wide event bus.
type Dependencies struct {
	ChatHandler        chat.Handler
	DurableExecutor    task.DurableExecutor
	VoiceCollaborators func(conn *Connection) voice.Collaborators
	EventBus           bus.EventBus
}

// Agent is one addressable (class, name) instance: a single-writer actor
// draining its own priority mailbox, backed by its own embedded SQL store
// and whichever of the scheduler/task/chat/mcp subsystems its Class enables.
type Agent struct {
	Class *Class
	Name  string

	log *logger.Logger
	cfg *config.Config
	deps Dependencies

	store *persistence.InstanceStore
	db    *sql.DB

	mailbox     *Mailbox
	connections *connectionSet

	scheduler   *scheduler.Scheduler
	tasks       *task.Tracker
	chat        *chat.Engine
	mcpRegistry *mcp.Registry

	voiceMu        sync.Mutex
	voicePipelines map[string]*voice.Pipeline

	broadcast pendingBroadcast

	current atomic.Value // CallContext

	startMu       sync.Mutex
	started       bool
	degradedUntil time.Time

	done chan struct{}
}

// New constructs an Agent for (class, name) and opens its embedded store.
// The returned Agent is not yet running: call EnsureStarted before handing
// it a connection or request.
func New(class *Class, name string, cfg *config.Config, log *logger.Logger, deps Dependencies) (*Agent, error) {
	store, err := persistence.OpenInstanceStore(
		cfg.AgentStore.BaseDir, class.ID, name,
		time.Duration(cfg.AgentStore.BusyTimeoutMS)*time.Millisecond,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance store for %s/%s: %w", class.ID, name, err)
	}

	a := &Agent{
		Class:       class,
		Name:        name,
		log:         log,
		cfg:         cfg,
		deps:        deps,
		store:       store,
		db:          store.DB(),
		mailbox:     NewMailbox(),
		connections: newConnectionSet(),
		done:        make(chan struct{}),
	}

	if class.Subsystems.Task {
		a.tasks = task.New(a.db, log, deps.DurableExecutor)
	}
	if class.Subsystems.Chat {
		engine, err := chat.NewEngine(a.db, log, a, deps.ChatHandler, chat.Config{
			ResumeGrace: cfg.Chat.ResumeGrace(),
			FlushEvery:  cfg.Chat.FlushInterval(),
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to construct chat engine for %s/%s: %w", class.ID, name, err)
		}
		a.chat = engine
	}
	if class.Subsystems.MCP {
		a.mcpRegistry = mcp.NewRegistry(a.db, a)
	}
	if class.Subsystems.Voice {
		a.voicePipelines = make(map[string]*voice.Pipeline)
	}

	a.scheduler = scheduler.New(a.db, log, a.deliverScheduledFire)

	go a.loop()

	return a, nil
}

// deliverScheduledFire is the scheduler.Fire callback: it never runs agent
// code itself, only enqueues the due schedule onto the mailbox so the fire
// executes under the normal single-writer serialization.
func (a *Agent) deliverScheduledFire(_ context.Context, sc scheduler.Schedule) {
	a.mailbox.Enqueue(PriorityScheduledFire, "", func(ctx context.Context) {
		ctx, span := tracing.TraceScheduleFire(ctx, a.Class.ID, a.Name, sc.ID, sc.CallbackMethod, string(sc.Kind))
		defer span.End()

		a.setCurrent(CallContext{Agent: a})
		handler, ok := a.Class.Handlers.RPC[sc.CallbackMethod]
		if !ok {
			tracing.RecordError(span, fmt.Errorf("no rpc method %q registered for scheduled fire", sc.CallbackMethod))
			return
		}
		if _, err := handler(ctx, a, nil, sc.Payload, func(json.RawMessage) {}); err != nil {
			tracing.RecordError(span, err)
			a.dispatchError(ctx, err)
		}
	})
}

// EnsureStarted runs onStart exactly once per instance lifetime. A failed
// onStart leaves the instance degraded: inbound work is refused with a
// retryable error until degradedBackoff elapses, after which the next call
// retries onStart rather than replaying the original failure forever.
func (a *Agent) EnsureStarted(ctx context.Context) error {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	if a.started {
		return nil
	}
	if !a.degradedUntil.IsZero() && time.Now().Before(a.degradedUntil) {
		return apperr.Timeoutf("instance %s/%s is degraded, retry after %s", a.Class.ID, a.Name, time.Until(a.degradedUntil))
	}

	a.setCurrent(CallContext{Agent: a})
	if a.Class.Handlers.OnStart != nil {
		if err := a.Class.Handlers.OnStart(ctx, a); err != nil {
			a.degradedUntil = time.Now().Add(degradedBackoff)
			return apperr.Downstreamf(err, "onStart failed for %s/%s", a.Class.ID, a.Name)
		}
	}
	if err := a.scheduler.Start(ctx); err != nil {
		a.degradedUntil = time.Now().Add(degradedBackoff)
		return fmt.Errorf("failed to start scheduler for %s/%s: %w", a.Class.ID, a.Name, err)
	}

	a.degradedUntil = time.Time{}
	a.started = true
	return nil
}

// loop is the actor's single-writer drain: one mailbox item executes at a
// time, each wrapped in a tracing span and panic guard so a misbehaving
// handler can't take the whole instance down.
func (a *Agent) loop() {
	defer close(a.done)
	for {
		item, ok := a.mailbox.Dequeue()
		if !ok {
			return
		}
		a.runItem(item)
	}
}

func (a *Agent) runItem(item *Item) {
	ctx, span := tracing.TraceActorStep(context.Background(), a.Class.ID, a.Name, item.Priority.String())
	defer span.End()
	defer a.flushStateBroadcast()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in mailbox item: %v", r)
			tracing.RecordError(span, err)
			a.dispatchError(ctx, err)
		}
	}()
	item.Run(ctx)
}

func (a *Agent) dispatchError(ctx context.Context, err error) {
	if a.Class.Handlers.OnError != nil {
		a.Class.Handlers.OnError(ctx, a, err)
		return
	}
	if a.log != nil {
		a.log.Error("agent: unhandled mailbox item error", zap.String("class", a.Class.ID), zap.String("name", a.Name), zap.Error(err))
	}
}

// Hibernate stops the scheduler and closes the instance's embedded store
// without invoking Destroy: the instance may be rehydrated later by simply
// calling New again for the same (class, name). Callers must ensure no
// further mailbox items are enqueued first.
func (a *Agent) Hibernate(_ context.Context) error {
	a.scheduler.Stop()
	a.mailbox.Close()
	<-a.done
	return a.store.Close()
}

// Remove permanently retires the instance: Destroy runs (if the class
// defines one) before the scheduler and store are torn down the same way
// Hibernate tears them down. Unlike Hibernate, a Remove'd instance is gone
// for good — its embedded store file is left on disk for the caller to
// delete, Remove itself only closes the open handle.
func (a *Agent) Remove(ctx context.Context) error {
	if a.Class.Handlers.Destroy != nil {
		a.setCurrent(CallContext{Agent: a})
		a.Class.Handlers.Destroy(ctx, a)
	}
	return a.Hibernate(ctx)
}
