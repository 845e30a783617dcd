package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fall-detection-service/internal/metrics"
	"fall-detection-service/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 16
)

// StreamEvent сообщение потока для дашбордов
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub рассылает тревоги и подтвержденные падения подключенным WebSocket клиентам
type Hub struct {
	mu       sync.Mutex
	clients  map[*streamClient]struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHub создает пустой хаб
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeWS обрабатывает GET /ws
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, clientSendSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.StreamClients.Set(float64(count))
	h.log.Info("stream client connected", "remote", r.RemoteAddr, "clients", count)

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast отправляет событие всем клиентам. Медленные клиенты отключаются.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	payload, err := json.Marshal(StreamEvent{Type: eventType, Data: data})
	if err != nil {
		h.log.Error("failed to marshal stream event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.removeLocked(c)
		}
	}
}

// RecordAlert публикует тревогу в поток
func (h *Hub) RecordAlert(_ context.Context, alert models.Alert) error {
	h.Broadcast("alert", alert)
	return nil
}

// PublishFall публикует подтвержденное падение в поток
func (h *Hub) PublishFall(result models.DetectionResult) {
	h.Broadcast("fall", result)
}

// Clients возвращает число подключенных клиентов
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close отключает всех клиентов
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *streamClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.StreamClients.Set(float64(len(h.clients)))
}

// readPump читает только служебные кадры, чтобы заметить закрытие соединения
func (h *Hub) readPump(c *streamClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
