package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is the envelope for every frame exchanged with a client
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ClientMessage is an inbound frame; Data is decoded by the event handler
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Conn is the view of a client that event handlers get to see
type Conn interface {
	ID() string
	Emit(eventType string, data any)
}

// EventHandler receives connection lifecycle and inbound events. Calls for a
// single connection are made from that connection's read goroutine, in order.
type EventHandler interface {
	HandleConnect(conn Conn)
	HandleEvent(conn Conn, msg *ClientMessage)
	HandleDisconnect(conn Conn)
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// All connected clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Encoded frames for every client
	broadcast chan []byte

	mu sync.RWMutex

	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	defer close(h.done)
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case data := <-h.broadcast:
			h.broadcastFrame(data)
		}
	}
}

// Stop stops the hub; Run closes every client's send queue on its way out
func (h *Hub) Stop() {
	h.cancel()
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		client.closeSend()
	}
}

// broadcastFrame sends an encoded frame to all clients
func (h *Hub) broadcastFrame(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.enqueue(data) {
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// Broadcast queues an event for every connected client. Frames are delivered
// in the order Broadcast was called.
func (h *Hub) Broadcast(eventType string, data any) {
	frame, err := json.Marshal(Message{Type: eventType, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal message", "type", eventType, "error", err)
		return
	}

	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", eventType)
	}
}

// Register adds a client to the hub. It returns false once the hub is stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
