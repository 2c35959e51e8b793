package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jar-analysis/jar-analysis-go/internal/service"
	"github.com/sirupsen/logrus"
)

const clientBufferSize = 64

// EventHub 把会话事件推送给 WebSocket 订阅者，实现 service.EventPublisher
type EventHub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{} // session_id -> 订阅者
}

type wsClient struct {
	conn *websocket.Conn
	send chan service.Event
}

// NewEventHub 创建事件中心
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

// Publish 非阻塞投递；订阅者缓冲区满时丢弃该事件
func (h *EventHub) Publish(event service.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[event.SessionID] {
		select {
		case c.send <- event:
		default:
			h.logger.WithField("session_id", event.SessionID).Warn("WebSocket client too slow, dropping event")
		}
	}
}

// Subscribers 会话当前的订阅者数量
func (h *EventHub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

func (h *EventHub) register(sessionID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*wsClient]struct{})
	}
	h.clients[sessionID][c] = struct{}{}
}

func (h *EventHub) unregister(sessionID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[sessionID], c)
	if len(h.clients[sessionID]) == 0 {
		delete(h.clients, sessionID)
	}
	close(c.send)
}

// HandleWebSocket GET /ws/sessions/:id
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn, send: make(chan service.Event, clientBufferSize)}
	h.register(sessionID, client)
	h.logger.WithField("session_id", sessionID).Info("WebSocket client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range client.send {
			if err := conn.WriteJSON(event); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				return
			}
		}
	}()

	// 读循环只用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.unregister(sessionID, client)
	<-done
	h.logger.WithField("session_id", sessionID).Info("WebSocket client disconnected")
}
