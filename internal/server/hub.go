package server

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one WebSocket connection. Only the writer goroutine started by
// the handler writes to Conn.
type Client struct {
	ID       string
	Conn     *websocket.Conn
	SendChan chan Message
	Done     chan struct{}
}

// Send queues msg for this client only. A full queue drops the message.
func (c *Client) Send(msg Message) {
	select {
	case c.SendChan <- msg:
	case <-c.Done:
	default:
		slog.Warn("WebSocket client channel full, dropping message", "clientID", c.ID, "type", msg.Type)
	}
}

// Hub tracks connected clients and fans run events out to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) RegisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	slog.Info("WebSocket client registered", "clientID", client.ID)
}

// UnregisterClient removes a client from the hub. The client's Done channel
// is closed by the handler that created the client, not here.
func (h *Hub) UnregisterClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[clientID]; ok {
		delete(h.clients, clientID)
		slog.Info("WebSocket client unregistered", "clientID", clientID)
	}
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		client.Send(msg)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
