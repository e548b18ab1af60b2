package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leaderboard-relay/internal/config"
	"github.com/leaderboard-relay/internal/domain"
)

// Repository is the PostgreSQL audit log of accepted scores and chat
// messages. The relay only appends to it; the leaderboard is never restored
// from it.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewRepositoryWithPool(pool, logger), nil
}

// NewRepositoryWithPool wraps an existing pool
func NewRepositoryWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger,
	}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS score_events (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			name_key TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			connection_id TEXT NOT NULL,
			source VARCHAR(20) NOT NULL,
			created BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id BIGSERIAL PRIMARY KEY,
			connection_id TEXT NOT NULL,
			payload JSONB,
			payload_text TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		// Tables created by earlier releases
		`ALTER TABLE score_events
			ALTER COLUMN name TYPE TEXT,
			ALTER COLUMN name_key TYPE TEXT,
			ALTER COLUMN connection_id TYPE TEXT`,
		`ALTER TABLE chat_messages ALTER COLUMN connection_id TYPE TEXT`,
		`ALTER TABLE chat_messages ADD COLUMN IF NOT EXISTS payload_text TEXT`,
		`CREATE INDEX IF NOT EXISTS idx_score_events_created ON score_events(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_score_events_name_key ON score_events(name_key, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// row is one queued insert
type row struct {
	query string
	args  []any
}

// insertRows sends rows as a single batch. A batch runs as one implicit
// transaction, so when it fails every row is retried on its own and only the
// rows that fail again are lost. The returned error joins those failures.
func (r *Repository) insertRows(ctx context.Context, rows []row) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rw := range rows {
		batch.Queue(rw.query, rw.args...)
	}
	err := r.pool.SendBatch(ctx, batch).Close()
	if err == nil {
		return nil
	}
	r.logger.Warn("batch insert failed, retrying rows one by one", "rows", len(rows), "error", err)

	var errs []error
	for i, rw := range rows {
		if _, err := r.pool.Exec(ctx, rw.query, rw.args...); err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// InsertScoreEvents appends score events in a single batch
func (r *Repository) InsertScoreEvents(ctx context.Context, events []domain.ScoreEvent) error {
	query := `
		INSERT INTO score_events (name, name_key, score, connection_id, source, created, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	rows := make([]row, 0, len(events))
	for _, e := range events {
		rows = append(rows, row{query, []any{e.Name, e.NameKey, e.Score, e.ConnectionID, e.Source, e.Created, e.CreatedAt}})
	}

	if err := r.insertRows(ctx, rows); err != nil {
		return fmt.Errorf("inserting score events: %w", err)
	}
	return nil
}

// InsertChatEvents appends chat messages in a single batch. Payloads JSONB
// cannot hold (a \u0000 escape) are kept verbatim in payload_text instead.
func (r *Repository) InsertChatEvents(ctx context.Context, events []domain.ChatEvent) error {
	query := `
		INSERT INTO chat_messages (connection_id, payload, payload_text, created_at)
		VALUES ($1, $2, $3, $4)
	`
	rows := make([]row, 0, len(events))
	for _, e := range events {
		var payload []byte
		var payloadText *string
		switch {
		case len(e.Payload) == 0:
		case fitsJSONB(e.Payload):
			payload = e.Payload
		default:
			text := string(e.Payload)
			payloadText = &text
		}
		rows = append(rows, row{query, []any{e.ConnectionID, payload, payloadText, e.CreatedAt}})
	}

	if err := r.insertRows(ctx, rows); err != nil {
		return fmt.Errorf("inserting chat messages: %w", err)
	}
	return nil
}

// fitsJSONB reports whether PostgreSQL will accept raw as a jsonb value.
// jsonb rejects the NUL character in strings.
func fitsJSONB(raw []byte) bool {
	return !bytes.Contains(raw, []byte(`\u0000`))
}

// ListScoreEvents returns the most recent score events, newest first
func (r *Repository) ListScoreEvents(ctx context.Context, limit int) ([]domain.ScoreEvent, error) {
	query := `
		SELECT id, name, name_key, score, connection_id, source, created, created_at
		FROM score_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing score events: %w", err)
	}
	defer rows.Close()

	events := []domain.ScoreEvent{}
	for rows.Next() {
		var e domain.ScoreEvent
		err := rows.Scan(
			&e.ID,
			&e.Name,
			&e.NameKey,
			&e.Score,
			&e.ConnectionID,
			&e.Source,
			&e.Created,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning score event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing score events: %w", err)
	}
	return events, nil
}

// CountChatMessages returns how many chat messages were recorded
func (r *Repository) CountChatMessages(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting chat messages: %w", err)
	}
	return count, nil
}
