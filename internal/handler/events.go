package handler

import (
	"log/slog"

	"github.com/leaderboard-relay/internal/domain"
	"github.com/leaderboard-relay/internal/service"
	"github.com/leaderboard-relay/internal/websocket"
)

// EventRouter dispatches relay events from WebSocket clients to the gateway
type EventRouter struct {
	gateway *service.Gateway
	logger  *slog.Logger
}

// NewEventRouter creates a new event router
func NewEventRouter(gateway *service.Gateway, logger *slog.Logger) *EventRouter {
	return &EventRouter{
		gateway: gateway,
		logger:  logger,
	}
}

// HandleConnect implements websocket.EventHandler
func (e *EventRouter) HandleConnect(conn websocket.Conn) {
	e.gateway.OnConnect(conn)
}

// HandleEvent implements websocket.EventHandler
func (e *EventRouter) HandleEvent(conn websocket.Conn, msg *websocket.ClientMessage) {
	switch msg.Type {
	case domain.EventScore:
		e.gateway.OnScore(conn, msg.Data)
	case domain.EventMessage:
		e.gateway.OnMessage(conn, msg.Data)
	case domain.EventReconnect:
		e.gateway.OnReconnect(conn, msg.Data)
	default:
		e.logger.Debug("unknown message type", "type", msg.Type, "client_id", conn.ID())
	}
}

// HandleDisconnect implements websocket.EventHandler
func (e *EventRouter) HandleDisconnect(conn websocket.Conn) {
	e.gateway.OnDisconnect(conn)
}
