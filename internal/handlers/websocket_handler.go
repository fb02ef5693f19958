package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agrosync/agent/internal/observability"
	"github.com/agrosync/agent/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control API only binds to localhost on field devices
		return true
	},
}

// WebSocketHandler upgrades UI connections that listen for sync status
// pushes
type WebSocketHandler struct {
	hub *services.WebSocketHub
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.WebSocketHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleConnection upgrades HTTP to WebSocket and manages the connection
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	h.hub.Register(client)

	go client.WritePump()

	// Blocks until the connection closes
	client.ReadPump(h.handleMessage)
}

// handleMessage answers client pings; status flows one way, hub to
// client, so nothing else is accepted.
func (h *WebSocketHandler) handleMessage(client *services.WSClient, messageType int, data []byte) {
	var msg services.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if msg.Type == services.WSTypePing {
		pong, _ := json.Marshal(services.WSMessage{Type: services.WSTypePong})
		select {
		case client.Send <- pong:
		default:
		}
	}
}
