package handlers

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

const (
	clientBuffer = 32
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type client struct {
	conn *websocket.Conn
	send chan core.JobEvent
}

// EventHub broadcasts job events to websocket clients. It implements
// core.EventSink. A client that cannot keep up is disconnected.
type EventHub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *zap.Logger
}

func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{clients: make(map[*client]struct{}), logger: logger}
}

func (h *EventHub) Publish(event core.JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for cl := range h.clients {
		select {
		case cl.send <- event:
		default:
			h.logger.Warn("websocket client too slow, disconnecting")
			h.removeLocked(cl)
		}
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		h.removeLocked(cl)
	}
}

func (h *EventHub) removeLocked(cl *client) {
	if _, ok := h.clients[cl]; !ok {
		return
	}
	delete(h.clients, cl)
	close(cl.send)
}

func (h *EventHub) remove(cl *client) {
	h.mu.Lock()
	h.removeLocked(cl)
	h.mu.Unlock()
}

// Serve upgrades GET /events to a websocket and streams events as JSON.
func (h *EventHub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn, send: make(chan core.JobEvent, clientBuffer)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", zap.Int("clients", total))

	go h.readLoop(cl)
	h.writeLoop(cl)
}

// readLoop drains client frames so close messages are noticed.
func (h *EventHub) readLoop(cl *client) {
	defer h.remove(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(cl *client) {
	defer cl.conn.Close()
	for event := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := cl.conn.WriteJSON(event); err != nil {
			h.remove(cl)
			break
		}
	}
	_ = cl.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	h.logger.Info("websocket client disconnected", zap.Int("clients", h.ClientCount()))
}

func (h *EventHub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Serve)
}
