package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leaderboard-relay/internal/config"
	"github.com/leaderboard-relay/internal/domain"
	"github.com/leaderboard-relay/internal/service"
	"github.com/leaderboard-relay/internal/websocket"
)

// maxScoreBodySize matches the WebSocket read limit
const maxScoreBodySize = 4096

// AuditHistory reads the audit log
type AuditHistory interface {
	ListScoreEvents(ctx context.Context, limit int) ([]domain.ScoreEvent, error)
	CountChatMessages(ctx context.Context) (int64, error)
}

// MirrorReader reads the Redis snapshot mirror
type MirrorReader interface {
	GetTopN(ctx context.Context, n int) ([]domain.PlayerRecord, error)
	GetCount(ctx context.Context) (int64, error)
}

// Handler provides the HTTP surface of the relay
type Handler struct {
	gateway *service.Gateway
	hub     *websocket.Hub
	ws      http.Handler
	history AuditHistory
	mirror  MirrorReader
	config  *config.ServerConfig
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler. history and mirror are nil when the
// audit log or the mirror is disabled.
func NewHandler(
	gateway *service.Gateway,
	hub *websocket.Hub,
	history AuditHistory,
	mirror MirrorReader,
	cfg *config.ServerConfig,
	logger *slog.Logger,
) *Handler {
	events := NewEventRouter(gateway, logger)
	return &Handler{
		gateway: gateway,
		hub:     hub,
		ws:      websocket.NewEndpoint(hub, events, cfg.CORSOrigins, logger),
		history: history,
		mirror:  mirror,
		config:  cfg,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))

		// Score submission
		r.Post("/scores", h.SubmitScore)

		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/leaderboard/{name}", h.GetPlayer)
		r.Get("/history/scores", h.GetScoreHistory)
		r.Get("/history/chat", h.GetChatStats)
		r.Get("/mirror/leaderboard", h.GetMirrorLeaderboard)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	// Built client assets are only served in production; in development an
	// external dev server hosts them.
	if h.config.Production {
		r.Get("/*", h.ServeStatic)
	}

	return r
}

// corsMiddleware adds CORS headers for allowed origins
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && websocket.OriginAllowed(h.config.CORSOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.ws.ServeHTTP(w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]any{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status. With the mirror enabled the
// relay is only ready while Redis answers.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ready"}

	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		count, err := h.mirror.GetCount(ctx)
		if err != nil {
			h.logger.Warn("mirror not reachable", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, domain.ErrMirrorUnavailable)
			return
		}
		status["mirrored_players"] = count
	}

	h.writeSuccess(w, status)
}

// SubmitScore accepts a score over HTTP. The body has the same shape as a
// score event: {"name": ..., "score": number or numeric string}.
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxScoreBodySize)

	var payload domain.ScorePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	score, err := domain.ParseScore(payload.Score)
	if err == nil {
		err = h.gateway.SubmitScore(r.Context(), domain.ScoreSubmission{
			Name:         payload.Name,
			Score:        score,
			ConnectionID: "http:" + middleware.GetReqID(r.Context()),
			Source:       domain.SourceHTTP,
		})
	}
	if err != nil {
		if domain.IsValidationError(err) {
			h.writeJSON(w, http.StatusBadRequest, APIResponse{Error: domain.InvalidSubmissionMessage})
			return
		}
		h.logger.Error("failed to submit score", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	rec, err := h.gateway.Player(payload.Name)
	if err != nil {
		h.writeSuccess(w, map[string]string{"status": "accepted"})
		return
	}
	h.writeSuccess(w, rec)
}

// GetLeaderboard returns the current snapshot, highest score first
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.gateway.Snapshot())
}

// GetPlayer returns one player's record
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "name")
	if err != nil || strings.TrimSpace(name) == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	rec, err := h.gateway.Player(name)
	if err != nil {
		if errors.Is(err, domain.ErrPlayerNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get player", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, rec)
}

// GetScoreHistory returns the most recent audited score events
func (h *Handler) GetScoreHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrAuditDisabled)
		return
	}

	limit := queryLimit(r, 50, 1000)
	events, err := h.history.ListScoreEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list score events", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, events)
}

// GetChatStats returns how many chat messages the audit log holds
func (h *Handler) GetChatStats(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrAuditDisabled)
		return
	}

	count, err := h.history.CountChatMessages(r.Context())
	if err != nil {
		h.logger.Error("failed to count chat messages", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]int64{"count": count})
}

// GetMirrorLeaderboard returns the top players as last mirrored to Redis
func (h *Handler) GetMirrorLeaderboard(w http.ResponseWriter, r *http.Request) {
	if h.mirror == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrMirrorDisabled)
		return
	}

	records, err := h.mirror.GetTopN(r.Context(), queryLimit(r, 10, 100))
	if err != nil {
		h.logger.Error("failed to read mirror", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, records)
}

// pathParam returns a URL parameter with percent-escapes decoded. chi matches
// against the escaped path when the request has one, e.g. for names holding
// an encoded slash.
func pathParam(r *http.Request, key string) (string, error) {
	value := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return value, nil
	}
	return url.PathUnescape(value)
}

// queryLimit parses the limit query parameter, falling back to def and
// capping at ceiling.
func queryLimit(r *http.Request, def, ceiling int) int {
	limit := def
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > ceiling {
		limit = ceiling
	}
	return limit
}

// ServeStatic serves the built client. Paths that do not name a file fall back
// to index.html so client-side routes work.
func (h *Handler) ServeStatic(w http.ResponseWriter, r *http.Request) {
	root := h.config.StaticDir
	name := filepath.Join(root, filepath.FromSlash(path.Clean("/"+r.URL.Path)))

	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		http.ServeFile(w, r, name)
		return
	}
	http.ServeFile(w, r, filepath.Join(root, "index.html"))
}
