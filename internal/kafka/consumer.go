package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/leaderboard-relay/internal/config"
	"github.com/leaderboard-relay/internal/domain"
)

// ScoreHandler applies score submissions
type ScoreHandler interface {
	SubmitScore(ctx context.Context, submission domain.ScoreSubmission) error
}

// Consumer feeds score submissions from a Kafka topic into the relay
type Consumer struct {
	config  *config.KafkaConfig
	handler ScoreHandler
	logger  *slog.Logger
	group   sarama.ConsumerGroup

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer group member for the configured topic
func NewConsumer(cfg *config.KafkaConfig, handler ScoreHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return &Consumer{
		config:  cfg,
		handler: handler,
		logger:  logger.With("topic", cfg.Topic, "group_id", cfg.GroupID),
		group:   group,
	}, nil
}

// Start joins the consumer group and returns once the first session is set
// up, or when ctx is done first.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting Kafka consumer", "brokers", c.config.Brokers)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	ready := make(chan struct{})
	var once sync.Once
	markReady := func() { once.Do(func() { close(ready) }) }

	c.wg.Add(2)
	go c.consume(runCtx, markReady)
	go c.logErrors(runCtx)

	select {
	case <-ready:
		c.logger.Info("Kafka consumer ready")
		return nil
	case <-ctx.Done():
		c.Stop()
		return ctx.Err()
	}
}

// consume rejoins the group after every rebalance until ctx is cancelled
func (c *Consumer) consume(ctx context.Context, markReady func()) {
	defer c.wg.Done()

	handler := &claimHandler{consumer: c, onSetup: markReady}
	for {
		if err := c.group.Consume(ctx, []string{c.config.Topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.Error("error from consumer", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) logErrors(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			c.logger.Error("consumer group error", "error", err)
		}
	}
}

// Stop leaves the consumer group and waits for in-flight batches
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.group.Close()
}

// claimHandler implements sarama.ConsumerGroupHandler
type claimHandler struct {
	consumer *Consumer
	onSetup  func()
}

// Setup is called at the beginning of a new session
func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error {
	h.onSetup()
	return nil
}

// Cleanup is called at the end of a session
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim decodes records from one partition and applies them in
// batches, flushing on size or on the batch timeout.
func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger.With("partition", claim.Partition())

	batch := make([]domain.ScoreSubmission, 0, cfg.BatchSize)
	timer := time.NewTimer(cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		applied := SubmitAll(ctx, h.consumer.handler, batch, logger)
		logger.Debug("processed batch", "batch_size", len(batch), "applied", applied)
		batch = batch[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			flush()
			return nil

		case <-timer.C:
			flush()
			timer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}

			submission, err := DecodeSubmission(message)
			session.MarkMessage(message, "")
			if err != nil {
				logger.Warn("invalid score submission", "error", err, "offset", message.Offset)
				continue
			}

			batch = append(batch, submission)
			if len(batch) >= cfg.BatchSize {
				flush()
				timer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// SubmitAll applies submissions in order and returns how many were accepted.
// Rejected submissions are logged and skipped.
func SubmitAll(ctx context.Context, handler ScoreHandler, batch []domain.ScoreSubmission, logger *slog.Logger) int {
	applied := 0
	for _, submission := range batch {
		if err := handler.SubmitScore(ctx, submission); err != nil {
			level := slog.LevelError
			if domain.IsValidationError(err) {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "failed to submit score from kafka",
				"name", submission.Name,
				"connection_id", submission.ConnectionID,
				"error", err,
			)
			continue
		}
		applied++
	}
	return applied
}

// KafkaMessage represents the message format for Kafka. Score may be a JSON
// number or a numeric string.
type KafkaMessage struct {
	Name  string          `json:"name"`
	Score json.RawMessage `json:"score"`
}

// DecodeSubmission validates a Kafka record and turns it into a submission.
// The record's partition and offset stand in for a connection id.
func DecodeSubmission(message *sarama.ConsumerMessage) (domain.ScoreSubmission, error) {
	var msg KafkaMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		return domain.ScoreSubmission{}, fmt.Errorf("unmarshaling message: %w", domain.ErrInvalidRequest)
	}

	name, err := domain.ValidateName(msg.Name)
	if err != nil {
		return domain.ScoreSubmission{}, err
	}

	score, err := domain.ParseScore(msg.Score)
	if err != nil {
		return domain.ScoreSubmission{}, err
	}

	return domain.ScoreSubmission{
		Name:         name,
		Score:        score,
		ConnectionID: fmt.Sprintf("kafka:%d:%d", message.Partition, message.Offset),
		Source:       domain.SourceKafka,
	}, nil
}
