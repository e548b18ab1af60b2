package postgres

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leaderboard-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRepository(t *testing.T) *Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("relay"),
		tcpostgres.WithUsername("relay"),
		tcpostgres.WithPassword("relay"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	repo := NewRepositoryWithPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(repo.Close)

	require.NoError(t, repo.RunMigrations(ctx))
	// Migrations are idempotent
	require.NoError(t, repo.RunMigrations(ctx))
	return repo
}

func TestRepository_ScoreEvents(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	events := []domain.ScoreEvent{
		{Name: "Alice", NameKey: "alice", Score: 10, ConnectionID: "c1", Source: domain.SourceWebSocket, Created: true, CreatedAt: base},
		{Name: "Alice", NameKey: "alice", Score: 12.5, ConnectionID: "c1", Source: domain.SourceWebSocket, CreatedAt: base.Add(time.Second)},
		{Name: "Bob", NameKey: "bob", Score: 3, ConnectionID: "kafka:0:7", Source: domain.SourceKafka, Created: true, CreatedAt: base.Add(2 * time.Second)},
	}
	require.NoError(t, repo.InsertScoreEvents(ctx, events))
	require.NoError(t, repo.InsertScoreEvents(ctx, nil))

	got, err := repo.ListScoreEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "Bob", got[0].Name)
	assert.Equal(t, domain.SourceKafka, got[0].Source)
	assert.True(t, got[0].Created)
	assert.Equal(t, 12.5, got[1].Score)
	assert.False(t, got[1].Created)
	assert.True(t, got[2].CreatedAt.Equal(base))
	assert.NotZero(t, got[0].ID)

	limited, err := repo.ListScoreEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "Bob", limited[0].Name)
}

func TestRepository_ListEmpty(t *testing.T) {
	repo := setupRepository(t)

	got, err := repo.ListScoreEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRepository_ChatEvents(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	events := []domain.ChatEvent{
		{ConnectionID: "c1", Payload: json.RawMessage(`"hello"`), CreatedAt: time.Now()},
		{ConnectionID: "c2", Payload: json.RawMessage(`{"emoji":"🎮"}`), CreatedAt: time.Now()},
		{ConnectionID: "c3", CreatedAt: time.Now()},
	}
	require.NoError(t, repo.InsertChatEvents(ctx, events))

	count, err := repo.CountChatMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRepository_LongNamesAreStored(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	long := strings.Repeat("n", 300)
	events := []domain.ScoreEvent{
		{Name: "Short", NameKey: "short", Score: 1, ConnectionID: "c1", Source: domain.SourceWebSocket, CreatedAt: time.Now()},
		{Name: long, NameKey: long, Score: 2, ConnectionID: "c2", Source: domain.SourceKafka, CreatedAt: time.Now()},
	}
	require.NoError(t, repo.InsertScoreEvents(ctx, events))

	got, err := repo.ListScoreEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	names := []string{got[0].Name, got[1].Name}
	assert.Contains(t, names, long)
	assert.Contains(t, names, "Short")
}

func TestRepository_ChatPayloadWithNUL(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	events := []domain.ChatEvent{
		{ConnectionID: "c1", Payload: json.RawMessage(`"before"`), CreatedAt: time.Now()},
		{ConnectionID: "c2", Payload: json.RawMessage(`"nul \u0000 inside"`), CreatedAt: time.Now()},
		{ConnectionID: "c3", Payload: json.RawMessage(`"after"`), CreatedAt: time.Now()},
	}
	require.NoError(t, repo.InsertChatEvents(ctx, events))

	count, err := repo.CountChatMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	var text string
	err = repo.pool.QueryRow(ctx, `SELECT payload_text FROM chat_messages WHERE connection_id = 'c2'`).Scan(&text)
	require.NoError(t, err)
	assert.Equal(t, `"nul \u0000 inside"`, text)
}

func TestRepository_BadRowDoesNotSinkBatch(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	// source is limited to 20 characters, so the middle row fails on its own
	events := []domain.ScoreEvent{
		{Name: "A", NameKey: "a", Score: 1, ConnectionID: "c1", Source: domain.SourceWebSocket, CreatedAt: time.Now()},
		{Name: "B", NameKey: "b", Score: 2, ConnectionID: "c2", Source: strings.Repeat("s", 40), CreatedAt: time.Now()},
		{Name: "C", NameKey: "c", Score: 3, ConnectionID: "c3", Source: domain.SourceKafka, CreatedAt: time.Now()},
	}
	err := repo.InsertScoreEvents(ctx, events)
	require.Error(t, err)

	got, err := repo.ListScoreEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	names := []string{got[0].Name, got[1].Name}
	assert.ElementsMatch(t, []string{"A", "C"}, names)
}

func TestFitsJSONB(t *testing.T) {
	assert.True(t, fitsJSONB([]byte(`{"emoji":"🎮"}`)))
	assert.True(t, fitsJSONB([]byte(`"tab\tand é"`)))
	assert.False(t, fitsJSONB([]byte(`"\u0000"`)))
}
