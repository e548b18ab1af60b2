package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/leaderboard-relay/internal/config"
	"github.com/leaderboard-relay/internal/domain"
	"github.com/leaderboard-relay/internal/leaderboard"
	"github.com/leaderboard-relay/internal/service"
	"github.com/leaderboard-relay/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	events []domain.ScoreEvent
	chats  int64
	err    error
	limit  int
}

func (f *fakeHistory) ListScoreEvents(_ context.Context, limit int) ([]domain.ScoreEvent, error) {
	f.limit = limit
	return f.events, f.err
}

func (f *fakeHistory) CountChatMessages(context.Context) (int64, error) {
	return f.chats, f.err
}

type fakeMirror struct {
	records []domain.PlayerRecord
	err     error
	n       int
}

func (f *fakeMirror) GetTopN(_ context.Context, n int) ([]domain.PlayerRecord, error) {
	f.n = n
	return f.records, f.err
}

func (f *fakeMirror) GetCount(context.Context) (int64, error) {
	return int64(len(f.records)), f.err
}

type testEnv struct {
	server  *httptest.Server
	gateway *service.Gateway
	hub     *websocket.Hub
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config), history AuditHistory, mirror MirrorReader) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hub := websocket.NewHub(logger)
	go hub.Run()

	gateway := service.NewGateway(leaderboard.NewStore(nil), hub, cfg, logger)
	h := NewHandler(gateway, hub, history, mirror, &cfg.Server, logger)
	server := httptest.NewServer(h.Router())

	t.Cleanup(func() {
		server.Close()
		hub.Stop()
		<-hub.Done()
	})
	return &testEnv{server: server, gateway: gateway, hub: hub}
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsClient struct {
	t    *testing.T
	conn *gorilla.Conn
}

func (e *testEnv) connect(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	// Every connection starts with the current leaderboard
	initial := c.read()
	require.Equal(t, domain.EventPlayerScores, initial.Type)
	return c
}

func (c *wsClient) send(eventType string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"type": eventType, "data": data}))
}

func (c *wsClient) read() wsFrame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// expectSilence asserts nothing arrives for a short while
func (c *wsClient) expectSilence() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := c.conn.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected frame or error: %v", err)
}

func (c *wsClient) readScores() []domain.PlayerRecord {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, domain.EventPlayerScores, f.Type)
	var records []domain.PlayerRecord
	require.NoError(c.t, json.Unmarshal(f.Data, &records))
	return records
}

func TestRelay_InitialSnapshotOnConnect(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.gateway.SubmitScore(context.Background(), domain.ScoreSubmission{Name: "Alice", Score: 5, ConnectionID: "x"}))

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, domain.EventPlayerScores, f.Type)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0]["name"])
	assert.Equal(t, float64(5), records[0]["score"])
	assert.Equal(t, "x", records[0]["socketId"])
	assert.Contains(t, records[0], "joinedAt")
	assert.Contains(t, records[0], "lastUpdate")
}

func TestRelay_EmptyLeaderboardIsAnEmptyList(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"playerScores","data":[]}`, string(raw))
}

func TestRelay_ScoresAreBroadcastSorted(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	alice := env.connect(t)
	bob := env.connect(t)

	alice.send(domain.EventScore, map[string]any{"name": "A", "score": "10"})
	for _, c := range []*wsClient{alice, bob} {
		records := c.readScores()
		require.Len(t, records, 1)
		assert.Equal(t, "A", records[0].Name)
	}

	bob.send(domain.EventScore, map[string]any{"name": "B", "score": 20})
	for _, c := range []*wsClient{alice, bob} {
		records := c.readScores()
		require.Len(t, records, 2)
		assert.Equal(t, "B", records[0].Name)
		assert.Equal(t, float64(20), records[0].Score)
		assert.Equal(t, "A", records[1].Name)
		assert.Equal(t, float64(10), records[1].Score)
	}
}

func TestRelay_NamesMergeCaseInsensitively(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	client := env.connect(t)

	client.send(domain.EventScore, map[string]any{"name": "Bob", "score": "5"})
	client.readScores()

	client.send(domain.EventScore, map[string]any{"name": "bob", "score": "9"})
	records := client.readScores()
	require.Len(t, records, 1)
	assert.Equal(t, "Bob", records[0].Name)
	assert.Equal(t, float64(9), records[0].Score)
}

func TestRelay_InvalidScoreOnlyAnswersSender(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	sender := env.connect(t)
	other := env.connect(t)

	sender.send(domain.EventScore, map[string]any{"name": "", "score": "10"})

	f := sender.read()
	assert.Equal(t, domain.EventError, f.Type)
	assert.JSONEq(t, `"Invalid name or score"`, string(f.Data))

	sender.send(domain.EventScore, map[string]any{"name": "Alice", "score": "abc"})
	f = sender.read()
	assert.Equal(t, domain.EventError, f.Type)

	other.expectSilence()
	assert.Empty(t, env.gateway.Snapshot())
}

func TestRelay_ChatIsBroadcastToEveryone(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	sender := env.connect(t)
	other := env.connect(t)

	sender.send(domain.EventMessage, "Hello from client!")

	var senderID string
	for _, c := range []*wsClient{sender, other} {
		f := c.read()
		require.Equal(t, domain.EventMessage, f.Type)

		var msg domain.ChatMessage
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		assert.JSONEq(t, `"Hello from client!"`, string(msg.Message))
		assert.NotEmpty(t, msg.ID)
		assert.NotEmpty(t, msg.Timestamp)
		if senderID == "" {
			senderID = msg.ID
		}
		assert.Equal(t, senderID, msg.ID)
	}
}

func TestRelay_ReconnectRebindsSilently(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	first := env.connect(t)

	first.send(domain.EventScore, map[string]any{"name": "Ivan", "score": 7})
	records := first.readScores()
	oldID := records[0].ConnectionID

	second := env.connect(t)
	second.send(domain.EventReconnect, "ivan")

	assert.Eventually(t, func() bool {
		rec, err := env.gateway.Player("Ivan")
		return err == nil && rec.ConnectionID != oldID
	}, time.Second, 10*time.Millisecond)

	first.expectSilence()
	second.expectSilence()
}

func TestRelay_DisconnectKeepsScores(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	client := env.connect(t)

	client.send(domain.EventScore, map[string]any{"name": "Kim", "score": 3})
	client.readScores()
	require.NoError(t, client.conn.Close())

	require.Eventually(t, func() bool {
		return env.hub.GetTotalConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := env.gateway.Player("kim")
	require.NoError(t, err)
	assert.Equal(t, float64(3), rec.Score)
}

func TestRelay_UnknownEventsAreIgnored(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	client := env.connect(t)

	client.send("dance", map[string]any{"moves": 3})
	client.expectSilence()
}

func decodeResponse(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var body APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHTTP_HealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decodeResponse(t, resp).Success)
	}
}

func TestHTTP_Leaderboard(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, env.gateway.SubmitScore(ctx, domain.ScoreSubmission{Name: "A", Score: 10}))
	require.NoError(t, env.gateway.SubmitScore(ctx, domain.ScoreSubmission{Name: "B", Score: 20}))

	resp, err := http.Get(env.server.URL + "/api/v1/leaderboard")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeResponse(t, resp)
	require.True(t, body.Success)
	records := body.Data.([]any)
	require.Len(t, records, 2)
	assert.Equal(t, "B", records[0].(map[string]any)["name"])
}

func TestHTTP_Player(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.gateway.SubmitScore(context.Background(), domain.ScoreSubmission{Name: "Carol", Score: 4}))

	resp, err := http.Get(env.server.URL + "/api/v1/leaderboard/carol")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeResponse(t, resp)
	assert.Equal(t, "Carol", body.Data.(map[string]any)["name"])

	resp, err = http.Get(env.server.URL + "/api/v1/leaderboard/nobody")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body = decodeResponse(t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, domain.ErrPlayerNotFound.Error(), body.Error)
}

func TestHTTP_WebSocketStats(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	env.connect(t)

	resp, err := http.Get(env.server.URL + "/api/v1/ws/stats")
	require.NoError(t, err)
	body := decodeResponse(t, resp)
	assert.Equal(t, float64(1), body.Data.(map[string]any)["total_connections"])
}

func TestHTTP_ScoreHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil, nil, nil)
		resp, err := http.Get(env.server.URL + "/api/v1/history/scores")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, domain.ErrAuditDisabled.Error(), decodeResponse(t, resp).Error)
	})

	t.Run("enabled", func(t *testing.T) {
		history := &fakeHistory{events: []domain.ScoreEvent{{ID: 1, Name: "A", NameKey: "a", Score: 3}}}
		env := newTestEnv(t, nil, history, nil)

		resp, err := http.Get(env.server.URL + "/api/v1/history/scores?limit=5000")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeResponse(t, resp)
		assert.Len(t, body.Data.([]any), 1)
		assert.Equal(t, 1000, history.limit)

		resp, err = http.Get(env.server.URL + "/api/v1/history/scores?limit=abc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 50, history.limit)
	})

	t.Run("store error", func(t *testing.T) {
		env := newTestEnv(t, nil, &fakeHistory{err: errors.New("boom")}, nil)
		resp, err := http.Get(env.server.URL + "/api/v1/history/scores")
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, domain.ErrInternalError.Error(), decodeResponse(t, resp).Error)
	})
}

func TestHTTP_CORS(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/v1/leaderboard", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5174")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5174", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHTTP_WebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"

	_, resp, err := gorilla.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTTP_StaticFilesInProduction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o644))

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.Production = true
		cfg.Server.StaticDir = dir
	}, nil, nil)

	get := func(path string) (int, string) {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := get("/assets/app.js")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "console.log(1)", body)

	for _, path := range []string{"/", "/some/client/route", "/assets/missing.js"} {
		status, body = get(path)
		assert.Equal(t, http.StatusOK, status, path)
		assert.Equal(t, "<html>app</html>", body, path)
	}

	// API routes still win over the catch-all
	status, _ = get("/health")
	assert.Equal(t, http.StatusOK, status)
}

func TestHTTP_NoStaticFilesInDevelopment(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp, err := http.Get(env.server.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_PlayerWithEscapedName(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, env.gateway.SubmitScore(ctx, domain.ScoreSubmission{Name: "AC/DC", Score: 11}))
	require.NoError(t, env.gateway.SubmitScore(ctx, domain.ScoreSubmission{Name: "50%", Score: 5}))
	require.NoError(t, env.gateway.SubmitScore(ctx, domain.ScoreSubmission{Name: "Big Ben", Score: 3}))

	tests := map[string]string{
		"/api/v1/leaderboard/AC%2FDC":   "AC/DC",
		"/api/v1/leaderboard/ac%2fdc":   "AC/DC",
		"/api/v1/leaderboard/50%25":     "50%",
		"/api/v1/leaderboard/Big%20Ben": "Big Ben",
	}
	for path, want := range tests {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		body := decodeResponse(t, resp)
		require.True(t, body.Success, path)
		assert.Equal(t, want, body.Data.(map[string]any)["name"], path)
	}
}

func postScore(t *testing.T, env *testEnv, body string) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Post(env.server.URL+"/api/v1/scores", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp, decodeResponse(t, resp)
}

func TestHTTP_SubmitScore(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	client := env.connect(t)

	resp, body := postScore(t, env, `{"name":"  Rita ","score":"0x10"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, body.Success)
	rec := body.Data.(map[string]any)
	assert.Equal(t, "Rita", rec["name"])
	assert.Equal(t, float64(16), rec["score"])
	assert.True(t, strings.HasPrefix(rec["socketId"].(string), "http:"))

	// Connected clients see the update like any other score
	records := client.readScores()
	require.Len(t, records, 1)
	assert.Equal(t, "Rita", records[0].Name)
}

func TestHTTP_SubmitScoreRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	client := env.connect(t)

	for _, payload := range []string{
		`{"name":"","score":"1"}`,
		`{"name":"Sam","score":"abc"}`,
		`{"name":"Sam","score":"1_000"}`,
		`{"name":"Sam"}`,
	} {
		resp, body := postScore(t, env, payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
		assert.False(t, body.Success)
		assert.Equal(t, domain.InvalidSubmissionMessage, body.Error)
	}

	resp, body := postScore(t, env, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.ErrInvalidRequest.Error(), body.Error)

	resp, _ = postScore(t, env, `{"name":"`+strings.Repeat("x", 5000)+`","score":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	client.expectSilence()
	assert.Empty(t, env.gateway.Snapshot())
}

func TestHTTP_ChatStats(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil, nil, nil)
		resp, err := http.Get(env.server.URL + "/api/v1/history/chat")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, domain.ErrAuditDisabled.Error(), decodeResponse(t, resp).Error)
	})

	t.Run("enabled", func(t *testing.T) {
		env := newTestEnv(t, nil, &fakeHistory{chats: 7}, nil)
		resp, err := http.Get(env.server.URL + "/api/v1/history/chat")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(7), decodeResponse(t, resp).Data.(map[string]any)["count"])
	})
}

func TestHTTP_MirrorLeaderboard(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil, nil, nil)
		resp, err := http.Get(env.server.URL + "/api/v1/mirror/leaderboard")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, domain.ErrMirrorDisabled.Error(), decodeResponse(t, resp).Error)
	})

	t.Run("enabled", func(t *testing.T) {
		mirror := &fakeMirror{records: []domain.PlayerRecord{{Name: "Top", Score: 99}}}
		env := newTestEnv(t, nil, nil, mirror)

		resp, err := http.Get(env.server.URL + "/api/v1/mirror/leaderboard?limit=500")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		records := decodeResponse(t, resp).Data.([]any)
		require.Len(t, records, 1)
		assert.Equal(t, "Top", records[0].(map[string]any)["name"])
		assert.Equal(t, 100, mirror.n)
	})
}

func TestHTTP_ReadyReflectsMirror(t *testing.T) {
	healthy := newTestEnv(t, nil, nil, &fakeMirror{records: []domain.PlayerRecord{{Name: "A"}, {Name: "B"}}})
	resp, err := http.Get(healthy.server.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), decodeResponse(t, resp).Data.(map[string]any)["mirrored_players"])

	broken := newTestEnv(t, nil, nil, &fakeMirror{err: errors.New("connection refused")})
	resp, err = http.Get(broken.server.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, domain.ErrMirrorUnavailable.Error(), decodeResponse(t, resp).Error)
}
