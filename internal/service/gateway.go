package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leaderboard-relay/internal/config"
	"github.com/leaderboard-relay/internal/domain"
	"github.com/leaderboard-relay/internal/leaderboard"
)

// Conn is a client connection the gateway can answer directly
type Conn interface {
	ID() string
	Emit(eventType string, data any)
}

// Broadcaster fans an event out to every connected client
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// SnapshotSink receives every snapshot that was broadcast. Implementations
// must not block.
type SnapshotSink interface {
	Submit(snapshot []domain.PlayerRecord)
}

// EventRecorder receives accepted score events and chat messages. Implementations
// must not block.
type EventRecorder interface {
	RecordScore(event domain.ScoreEvent)
	RecordChat(event domain.ChatEvent)
}

// Gateway routes connection events into the leaderboard store and broadcasts
// the results.
type Gateway struct {
	store       *leaderboard.Store
	broadcaster Broadcaster
	config      *config.Config
	logger      *slog.Logger

	sinks    []SnapshotSink
	recorder EventRecorder

	// mu keeps broadcast order equal to mutation order
	mu sync.Mutex
}

// NewGateway creates a new gateway
func NewGateway(
	store *leaderboard.Store,
	broadcaster Broadcaster,
	cfg *config.Config,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		store:       store,
		broadcaster: broadcaster,
		config:      cfg,
		logger:      logger,
	}
}

// AddSnapshotSink registers a sink that sees every broadcast snapshot
func (g *Gateway) AddSnapshotSink(sink SnapshotSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks = append(g.sinks, sink)
}

// SetRecorder sets the audit recorder
func (g *Gateway) SetRecorder(recorder EventRecorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recorder = recorder
}

// OnConnect sends the current leaderboard to a newly joined client
func (g *Gateway) OnConnect(conn Conn) {
	g.logger.Info("client connected", "client_id", conn.ID())

	g.mu.Lock()
	defer g.mu.Unlock()
	conn.Emit(domain.EventPlayerScores, g.store.Snapshot())
}

// OnScore validates a score event. Rejected submissions are answered on conn
// only; accepted ones are broadcast to everybody.
func (g *Gateway) OnScore(conn Conn, raw json.RawMessage) {
	submission, err := decodeScore(raw)
	if err == nil {
		submission.ConnectionID = conn.ID()
		submission.Source = domain.SourceWebSocket
		err = g.SubmitScore(context.Background(), submission)
	}
	if err != nil {
		g.logger.Debug("rejected score", "client_id", conn.ID(), "error", err)
		conn.Emit(domain.EventError, domain.InvalidSubmissionMessage)
	}
}

// decodeScore turns a score payload into a submission
func decodeScore(raw json.RawMessage) (domain.ScoreSubmission, error) {
	var payload domain.ScorePayload
	if len(raw) == 0 || json.Unmarshal(raw, &payload) != nil {
		return domain.ScoreSubmission{}, domain.ErrInvalidRequest
	}

	score, err := domain.ParseScore(payload.Score)
	if err != nil {
		return domain.ScoreSubmission{}, err
	}
	return domain.ScoreSubmission{Name: payload.Name, Score: score}, nil
}

// SubmitScore applies a score and broadcasts the new leaderboard. It is the
// transport-independent entry point shared by every ingestion path.
func (g *Gateway) SubmitScore(ctx context.Context, submission domain.ScoreSubmission) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, created, err := g.store.Upsert(submission.Name, submission.Score, submission.ConnectionID)
	if err != nil {
		return fmt.Errorf("upserting score: %w", err)
	}

	if created {
		g.logger.Info("new player added", "name", rec.Name, "score", rec.Score)
	} else {
		g.logger.Info("updated score", "name", rec.Name, "score", rec.Score)
	}

	g.broadcastSnapshotLocked()

	if g.recorder != nil {
		g.recorder.RecordScore(domain.ScoreEvent{
			Name:         rec.Name,
			NameKey:      domain.NameKey(rec.Name),
			Score:        rec.Score,
			ConnectionID: rec.ConnectionID,
			Source:       submission.Source,
			Created:      created,
			CreatedAt:    rec.LastUpdate,
		})
	}
	return nil
}

// OnMessage stamps a chat payload with its sender and local time of day and
// broadcasts it. Any JSON value is relayed as-is.
func (g *Gateway) OnMessage(conn Conn, raw json.RawMessage) {
	now := g.store.Now()
	msg := domain.ChatMessage{
		ID:        conn.ID(),
		Message:   raw,
		Timestamp: now.Local().Format(g.config.Chat.TimestampFormat),
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("broadcasting message", "client_id", conn.ID())
	g.broadcaster.Broadcast(domain.EventMessage, msg)

	if g.recorder != nil {
		g.recorder.RecordChat(domain.ChatEvent{
			ConnectionID: conn.ID(),
			Payload:      raw,
			CreatedAt:    now,
		})
	}
}

// OnReconnect rebinds an existing player to this connection. Unknown names and
// non-string payloads are ignored. Nothing is broadcast.
func (g *Gateway) OnReconnect(conn Conn, raw json.RawMessage) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		g.logger.Debug("ignoring reconnect with non-string name", "client_id", conn.ID())
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.store.Rebind(name, conn.ID()) {
		g.logger.Info("player reconnected", "name", name, "client_id", conn.ID())
	}
}

// OnDisconnect only logs: a player's record outlives its connection
func (g *Gateway) OnDisconnect(conn Conn) {
	g.logger.Info("client disconnected, scores maintained", "client_id", conn.ID())
}

// Sweep evicts stale players and broadcasts when anything was removed. It
// returns the number of evicted players.
func (g *Gateway) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := g.store.Sweep(now, g.config.Leaderboard.StaleWindow)
	if removed == 0 {
		return 0
	}

	g.logger.Info("cleaned up inactive players", "removed", removed, "remaining", g.store.Len())
	g.broadcastSnapshotLocked()
	return removed
}

// Snapshot returns the current leaderboard
func (g *Gateway) Snapshot() []domain.PlayerRecord {
	return g.store.Snapshot()
}

// Player returns the record stored under name
func (g *Gateway) Player(name string) (domain.PlayerRecord, error) {
	return g.store.Get(name)
}

// broadcastSnapshotLocked sends the store's snapshot to every client and sink.
// g.mu must be held.
func (g *Gateway) broadcastSnapshotLocked() {
	snapshot := g.store.Snapshot()
	g.broadcaster.Broadcast(domain.EventPlayerScores, snapshot)
	for _, sink := range g.sinks {
		sink.Submit(snapshot)
	}
}
