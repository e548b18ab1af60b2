package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Chat        ChatConfig        `yaml:"chat"`
	Logging     LoggingConfig     `yaml:"logging"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Mirror      MirrorConfig      `yaml:"mirror"`
	Audit       AuditConfig       `yaml:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	Production   bool          `yaml:"production"`
	StaticDir    string        `yaml:"static_dir"`
}

// LeaderboardConfig holds the staleness sweep settings
type LeaderboardConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StaleWindow   time.Duration `yaml:"stale_window"`
}

// ChatConfig holds chat relay settings
type ChatConfig struct {
	// TimestampFormat is a Go time layout applied in the server's local zone.
	TimestampFormat string `yaml:"timestamp_format"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka ingestion configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// MirrorConfig controls publishing snapshots to Redis
type MirrorConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig controls the PostgreSQL audit log
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:5174"}
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "client/dist"
	}

	// Leaderboard defaults
	if c.Leaderboard.SweepInterval == 0 {
		c.Leaderboard.SweepInterval = 10 * time.Minute
	}
	if c.Leaderboard.StaleWindow == 0 {
		c.Leaderboard.StaleWindow = 10 * time.Minute
	}

	if c.Chat.TimestampFormat == "" {
		c.Chat.TimestampFormat = "3:04:05 PM"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "leaderboard"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 10
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 1
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "leaderboard-scores"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "leaderboard-relay"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	if c.Mirror.Timeout == 0 {
		c.Mirror.Timeout = 3 * time.Second
	}

	// Audit defaults
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = 2 * time.Second
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1024
	}
}

// ApplyEnv overrides file settings with the relay's environment variables:
// PORT, CORS_ORIGINS (comma separated), APP_ENV ("production" serves static
// assets) and STATIC_DIR.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid PORT %q", v)
		}
		c.Server.Port = port
	}

	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		var origins []string
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		if len(origins) > 0 {
			c.Server.CORSOrigins = origins
		}
	}

	if v, ok := lookup("APP_ENV"); ok && v != "" {
		c.Server.Production = strings.EqualFold(v, "production")
	}

	if v, ok := lookup("STATIC_DIR"); ok && v != "" {
		c.Server.StaticDir = v
	}

	return nil
}

// Validate rejects settings that would make a worker or server misbehave.
// Zero values are filled in by applyDefaults, so anything non-positive left
// here was set explicitly.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"leaderboard.sweep_interval", c.Leaderboard.SweepInterval},
		{"leaderboard.stale_window", c.Leaderboard.StaleWindow},
		{"redis.dial_timeout", c.Redis.DialTimeout},
		{"kafka.batch_timeout", c.Kafka.BatchTimeout},
		{"mirror.timeout", c.Mirror.Timeout},
		{"audit.flush_interval", c.Audit.FlushInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	sizes := []struct {
		name  string
		value int
	}{
		{"redis.pool_size", c.Redis.PoolSize},
		{"postgres.max_connections", c.Postgres.MaxConnections},
		{"kafka.batch_size", c.Kafka.BatchSize},
		{"audit.batch_size", c.Audit.BatchSize},
		{"audit.queue_size", c.Audit.QueueSize},
	}
	for _, sz := range sizes {
		if sz.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", sz.name, sz.value)
		}
	}

	if c.Postgres.MinConnections < 0 || c.Postgres.MinConnections > c.Postgres.MaxConnections {
		return fmt.Errorf("postgres.min_connections must be between 0 and %d, got %d",
			c.Postgres.MaxConnections, c.Postgres.MinConnections)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level
func (c *LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
