package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leaderboard-relay/internal/config"
	"github.com/leaderboard-relay/internal/handler"
	"github.com/leaderboard-relay/internal/kafka"
	"github.com/leaderboard-relay/internal/leaderboard"
	"github.com/leaderboard-relay/internal/postgres"
	"github.com/leaderboard-relay/internal/redis"
	"github.com/leaderboard-relay/internal/service"
	"github.com/leaderboard-relay/internal/websocket"
	"github.com/leaderboard-relay/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, loadErr := config.Load(*configPath)
	if loadErr != nil && !errors.Is(loadErr, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "invalid configuration:", loadErr)
		os.Exit(1)
	}
	if loadErr != nil {
		cfg = config.DefaultConfig()
		err := cfg.ApplyEnv(os.LookupEnv)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid environment:", err)
			os.Exit(1)
		}
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if loadErr != nil {
		logger.Warn("config file not found, using defaults", "path", *configPath)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// The leaderboard lives for the lifetime of the process
	store := leaderboard.NewStore(nil)
	gateway := service.NewGateway(store, wsHub, cfg, logger)

	// Optional Redis snapshot mirror
	var (
		mirrorWorker *worker.MirrorWorker
		mirrorReader handler.MirrorReader
	)
	if cfg.Mirror.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		mirror, err := redis.NewMirror(&cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer mirror.Close()
		logger.Info("connected to Redis")

		mirrorWorker = worker.NewMirrorWorker(mirror, cfg.Mirror.Timeout, logger)
		mirrorWorker.Start()
		gateway.AddSnapshotSink(mirrorWorker)
		mirrorReader = mirror
	}

	// Optional PostgreSQL audit log
	var (
		auditWorker *worker.AuditWorker
		history     handler.AuditHistory
	)
	if cfg.Audit.Enabled {
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer repo.Close()
		logger.Info("connected to PostgreSQL")

		if err := repo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		auditWorker = worker.NewAuditWorker(repo, &cfg.Audit, logger)
		auditWorker.Start()
		gateway.SetRecorder(auditWorker)
		history = repo
	}

	// Start the staleness sweep
	sweepWorker := worker.NewSweepWorker(gateway, &cfg.Leaderboard, nil, logger)
	if err := sweepWorker.Start(ctx); err != nil {
		logger.Error("failed to start sweep worker", "error", err)
		os.Exit(1)
	}

	// Initialize Kafka consumer for score ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, gateway, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
			if err := kafkaConsumer.Start(startCtx); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
			startCancel()
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(gateway, wsHub, history, mirrorReader, &cfg.Server, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			"port", cfg.Server.Port,
			"production", cfg.Server.Production,
			"cors_origins", cfg.Server.CORSOrigins,
		)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting events before the workers go away
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := sweepWorker.Stop(); err != nil {
		logger.Error("failed to stop sweep worker", "error", err)
	}

	// Stop WebSocket hub
	wsHub.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if mirrorWorker != nil {
		mirrorWorker.Stop()
	}
	if auditWorker != nil {
		auditWorker.Stop()
	}

	logger.Info("server stopped")
}
