package services

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agrosync/agent/internal/models"
	"github.com/agrosync/agent/internal/observability"
)

// WebSocket message types
const (
	WSTypeSyncStatus = "sync_status"
	WSTypePing       = "ping"
	WSTypePong       = "pong"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSClient represents a connected status listener
type WSClient struct {
	ID         string
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *WebSocketHub
	closedOnce sync.Once
}

// WebSocketHub pushes sync status snapshots to connected UI clients.
// New clients receive the latest snapshot immediately so badges render
// without waiting for the next sync run.
type WebSocketHub struct {
	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan []byte

	mu         sync.RWMutex
	lastStatus *models.SyncStatusResponse
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan []byte, 64),
	}
}

// Run starts the hub's main loop
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			last := h.lastStatus
			h.mu.Unlock()
			observability.Debugf("WebSocket client connected: %s", client.ID)

			if last != nil {
				if data, err := json.Marshal(WSMessage{Type: WSTypeSyncStatus, Payload: last}); err == nil {
					select {
					case client.Send <- data:
					default:
					}
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			observability.Debugf("WebSocket client disconnected: %s", client.ID)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// Client buffer full, drop the connection
					go func(c *WSClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastStatus pushes a status snapshot to every connected client
func (h *WebSocketHub) BroadcastStatus(status models.SyncStatusResponse) {
	h.mu.Lock()
	h.lastStatus = &status
	h.mu.Unlock()

	data, err := json.Marshal(WSMessage{Type: WSTypeSyncStatus, Payload: status})
	if err != nil {
		observability.Errorf("Error marshaling status broadcast: %v", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		observability.Warn("Status broadcast channel full, dropping snapshot")
	}
}

// GetClientCount returns the number of connected clients
func (h *WebSocketHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a new WebSocket client connected to this hub
func (h *WebSocketHub) NewClient(id string, conn *websocket.Conn) *WSClient {
	return &WSClient{
		ID:   id,
		Conn: conn,
		Send: make(chan []byte, 64),
		hub:  h,
	}
}

// Register adds a client to the hub
func (h *WebSocketHub) Register(client *WSClient) {
	h.register <- client
}

// Close closes the client connection
func (c *WSClient) Close() {
	c.closedOnce.Do(func() {
		c.hub.unregister <- c
		c.Conn.Close()
	})
}

// WritePump sends queued messages to the client with keepalive pings
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(45 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump consumes client messages until the connection closes
func (c *WSClient) ReadPump(handler func(client *WSClient, messageType int, data []byte)) {
	defer c.Close()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		if handler != nil {
			handler(c, messageType, data)
		}
	}
}
