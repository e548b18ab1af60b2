package domain

import (
	"encoding/json"
	"time"
)

// Event types exchanged over the relay connection
const (
	EventScore        = "score"
	EventMessage      = "message"
	EventReconnect    = "reconnect"
	EventPlayerScores = "playerScores"
	EventError        = "error"
)

// Score sources recorded in the audit log
const (
	SourceWebSocket = "websocket"
	SourceKafka     = "kafka"
	SourceHTTP      = "http"
)

// ScorePayload is the body of a score event. Score may be a JSON number or a
// numeric string.
type ScorePayload struct {
	Name  string          `json:"name"`
	Score json.RawMessage `json:"score"`
}

// ScoreSubmission is a validated request to set a player's score
type ScoreSubmission struct {
	Name         string  `json:"name"`
	Score        float64 `json:"score"`
	ConnectionID string  `json:"connection_id"`
	Source       string  `json:"source,omitempty"`
}

// ChatMessage is a chat line being fanned out to every client. It is never stored
// by the leaderboard.
type ChatMessage struct {
	ID        string          `json:"id"`
	Message   json.RawMessage `json:"message"`
	Timestamp string          `json:"timestamp"`
}

// ScoreEvent is an accepted score submission as recorded in the audit log
type ScoreEvent struct {
	ID           int64     `json:"id,omitempty"`
	Name         string    `json:"name"`
	NameKey      string    `json:"name_key"`
	Score        float64   `json:"score"`
	ConnectionID string    `json:"connection_id"`
	Source       string    `json:"source"`
	Created      bool      `json:"created"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatEvent is a broadcast chat message as recorded in the audit log
type ChatEvent struct {
	ConnectionID string          `json:"connection_id"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}
