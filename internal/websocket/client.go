package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	sendBufferSize = 256
)

// Client represents a WebSocket client connection
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	handler EventHandler
	logger  *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient creates a new WebSocket client with a fresh connection id
func NewClient(hub *Hub, conn *websocket.Conn, handler EventHandler, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:      id,
		hub:     hub,
		conn:    conn,
		handler: handler,
		logger:  logger.With("client_id", id),
		send:    make(chan []byte, sendBufferSize),
	}
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.id
}

// Emit sends an event to this client only. Frames are dropped when the
// client's buffer is full or the connection is closing.
func (c *Client) Emit(eventType string, data any) {
	frame, err := json.Marshal(Message{Type: eventType, Data: data})
	if err != nil {
		c.logger.Error("failed to marshal message", "type", eventType, "error", err)
		return
	}
	if !c.enqueue(frame) {
		c.logger.Warn("client buffer full, dropping message", "type", eventType)
	}
}

// enqueue hands a frame to the write pump without blocking
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend closes the send queue, which makes the write pump say goodbye
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps messages from the WebSocket connection to the event handler
func (c *Client) readPump() {
	defer func() {
		c.handler.HandleDisconnect(c)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			continue
		}

		c.handler.HandleEvent(c, &clientMsg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One event per frame; clients decode each frame as a single envelope.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Endpoint upgrades HTTP requests to relay connections
type Endpoint struct {
	hub      *Hub
	handler  EventHandler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEndpoint creates a WebSocket endpoint that accepts browser connections
// from the allowed origins. Requests without an Origin header are accepted.
func NewEndpoint(hub *Hub, handler EventHandler, allowedOrigins []string, logger *slog.Logger) *Endpoint {
	origins := append([]string(nil), allowedOrigins...)
	return &Endpoint{
		hub:     hub,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || OriginAllowed(origins, origin)
			},
		},
		logger: logger,
	}
}

// OriginAllowed reports whether origin appears in the allow-list. A "*" entry
// allows every origin.
func OriginAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP handles WebSocket requests from peers
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(e.hub, conn, e.handler, e.logger)
	if !e.hub.Register(client) {
		conn.Close()
		return
	}

	go client.writePump()

	// The current state goes out before any inbound event is read.
	e.handler.HandleConnect(client)
	go client.readPump()

	e.logger.Debug("new websocket connection", "client_id", client.id)
}
