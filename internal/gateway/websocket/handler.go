package websocket

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrt/agentrt/internal/agent"
	"github.com/agentrt/agentrt/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to configured origins once the host app exposes one
		return true
	},
}

// Handler upgrades HTTP requests addressed to /<prefix>/:class/:name and
// admits the connection against the Hub's registry.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler bound to hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection runs the admission sequence (§4.2): EnsureStarted,
// BeforeConnect against the pre-upgrade request, then the upgrade itself
// and AttachConnection once a Connection exists. A client that wants its
// reconnect treated as a continuation of a prior session (so a mid-turn
// chat stream can be replayed, or a voice pipeline resumed) passes its
// previous connection id back as the connectionId query parameter; a fresh
// client omits it and gets a newly minted id.
func (h *Handler) HandleConnection(c *gin.Context) {
	class := c.Param("class")
	name := c.Param("name")

	a, err := h.hub.Registry().GetOrCreate(c.Request.Context(), class, name)
	if err != nil {
		h.logger.Error("failed to get or create instance", zap.String("class", class), zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	req, err := readRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.BeforeConnect(c.Request.Context(), req); err != nil {
		h.logger.Debug("connection rejected by beforeConnect", zap.String("class", class), zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := c.Query("connectionId")
	resumed := clientID != ""
	if !resumed {
		clientID = uuid.New().String()
	}
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.Bool("resumed", resumed),
		zap.String("class", class),
		zap.String("name", name),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, a, h.logger)
	connection := agent.NewConnection(clientID, client)
	a.AttachConnection(c.Request.Context(), connection)

	h.hub.Register(client)
	defer h.hub.Unregister(client)

	go client.WritePump()
	client.ReadPump(clientID)
}

func readRequest(c *gin.Context) (*agent.Request, error) {
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
	}
	return &agent.Request{
		Method:  c.Request.Method,
		Path:    c.Request.URL.Path,
		Headers: c.Request.Header,
		Body:    body,
	}, nil
}
