// Package main is the unified entry point for the agent runtime.
// This single binary serves every registered agent class over WebSocket;
// instances are addressed as /<routePrefix>/<class>/<name>.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrt/agentrt/internal/agent"
	"github.com/agentrt/agentrt/internal/chat"
	"github.com/agentrt/agentrt/internal/common/config"
	"github.com/agentrt/agentrt/internal/common/logger"
	"github.com/agentrt/agentrt/internal/common/tracing"
	"github.com/agentrt/agentrt/internal/events/bus"
	gatewayws "github.com/agentrt/agentrt/internal/gateway/websocket"
	"github.com/agentrt/agentrt/internal/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentrt")

	// 3. Root context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: in-memory by default, NATS if configured
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Agent registry: load the declarative class manifest, attach
	// code-supplied handlers, wire shared dependencies.
	registry := agent.NewRegistry(cfg, log, agent.Dependencies{
		ChatHandler:     echoChatHandler,
		DurableExecutor: task.NewInlineExecutor(),
		EventBus:        eventBus,
	})

	for _, class := range agent.DefaultClasses() {
		if !class.Enabled {
			continue
		}
		if err := registry.RegisterClass(class); err != nil {
			log.Fatal("failed to register agent class", zap.String("class", class.ID), zap.Error(err))
		}
		log.Info("registered agent class", zap.String("class", class.ID), zap.Strings("capabilities", class.Capabilities))
	}

	// 6. WebSocket gateway: one Hub owns client bookkeeping and admits
	// connections against the registry.
	hub := gatewayws.NewHub(registry, log)
	go hub.Run(ctx)
	handler := gatewayws.NewHandler(hub, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	prefix := "/" + strings.Trim(cfg.Server.RoutePrefix, "/")
	if prefix == "/" {
		prefix = "/agents"
	}
	router.GET(prefix+"/:class/:name", handler.HandleConnection)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "agentrt",
			"clients": hub.ClientCount(),
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("listening", zap.Int("port", port), zap.String("route_prefix", prefix))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentrt")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("agentrt stopped")
}

// echoChatHandler is the default chat.Handler: it streams the last user
// message straight back as the assistant's reply. Host applications wire
// their own model-backed Handler in place of this when embedding the
// runtime; it exists so a freshly registered class is useful out of the box.
func echoChatHandler(ctx context.Context, body map[string]json.RawMessage, history []chat.Message) (<-chan chat.Chunk, error) {
	var lastText string
	if len(history) > 0 {
		for _, part := range history[len(history)-1].Parts {
			var text struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(part, &text) == nil && text.Text != "" {
				lastText = text.Text
			}
		}
	}

	out := make(chan chat.Chunk, 1)
	go func() {
		defer close(out)
		out <- chat.Chunk{Text: lastText, Done: true}
	}()
	return out, nil
}

// corsMiddleware allows the WebSocket upgrade and any plain HTTP endpoints
// to be reached from a browser-hosted client.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
