package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/leaderboard-relay/internal/config"
	"github.com/leaderboard-relay/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Mirror publishes leaderboard snapshots to Redis for read-only consumers.
// Redis is never read back into the relay.
type Mirror struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewMirror connects to Redis and returns a mirror
func NewMirror(cfg *config.RedisConfig, logger *slog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewMirrorWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewMirrorWithClient wraps an existing client
func NewMirrorWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Mirror {
	return &Mirror{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Close closes the Redis connection
func (m *Mirror) Close() error {
	return m.client.Close()
}

// scoresKey returns the key of the sorted set ranking normalized names
func (m *Mirror) scoresKey() string {
	return fmt.Sprintf("%s:scores", m.prefix)
}

// playersKey returns the key of the hash holding full player records
func (m *Mirror) playersKey() string {
	return fmt.Sprintf("%s:players", m.prefix)
}

// UpdatesChannel returns the pub/sub channel announcing new snapshots
func (m *Mirror) UpdatesChannel() string {
	return fmt.Sprintf("%s:updates", m.prefix)
}

// WriteSnapshot replaces the mirrored leaderboard with snapshot in one
// transaction and announces it on the updates channel.
func (m *Mirror) WriteSnapshot(ctx context.Context, snapshot []domain.PlayerRecord) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	members := make([]redis.Z, 0, len(snapshot))
	fields := make([]any, 0, len(snapshot)*2)
	for _, rec := range snapshot {
		key := domain.NameKey(rec.Name)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling player %q: %w", rec.Name, err)
		}
		members = append(members, redis.Z{Score: rec.Score, Member: key})
		fields = append(fields, key, data)
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.scoresKey(), m.playersKey())
	if len(members) > 0 {
		pipe.ZAdd(ctx, m.scoresKey(), members...)
		pipe.HSet(ctx, m.playersKey(), fields...)
	}
	pipe.Publish(ctx, m.UpdatesChannel(), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// GetTopN returns the top n mirrored players, highest score first
func (m *Mirror) GetTopN(ctx context.Context, n int) ([]domain.PlayerRecord, error) {
	keys, err := m.client.ZRevRange(ctx, m.scoresKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	if len(keys) == 0 {
		return []domain.PlayerRecord{}, nil
	}

	values, err := m.client.HMGet(ctx, m.playersKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting players: %w", err)
	}

	records := make([]domain.PlayerRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			m.logger.Warn("mirrored player missing", "key", keys[i])
			continue
		}
		var rec domain.PlayerRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding player %q: %w", keys[i], err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetCount returns the number of mirrored players
func (m *Mirror) GetCount(ctx context.Context) (int64, error) {
	count, err := m.client.ZCard(ctx, m.scoresKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}
