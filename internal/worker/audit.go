package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leaderboard-relay/internal/config"
	"github.com/leaderboard-relay/internal/domain"
)

// AuditStore persists audit events in batches
type AuditStore interface {
	InsertScoreEvents(ctx context.Context, events []domain.ScoreEvent) error
	InsertChatEvents(ctx context.Context, events []domain.ChatEvent) error
}

type auditItem struct {
	score *domain.ScoreEvent
	chat  *domain.ChatEvent
}

// AuditWorker batches score and chat events into an AuditStore. Events are
// dropped, with a warning, when the queue is full.
type AuditWorker struct {
	store  AuditStore
	config *config.AuditConfig
	logger *slog.Logger
	queue  chan auditItem

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAuditWorker creates a new audit worker
func NewAuditWorker(store AuditStore, cfg *config.AuditConfig, logger *slog.Logger) *AuditWorker {
	return &AuditWorker{
		store:  store,
		config: cfg,
		logger: logger,
		queue:  make(chan auditItem, cfg.QueueSize),
	}
}

// RecordScore queues an accepted score event
func (a *AuditWorker) RecordScore(event domain.ScoreEvent) {
	a.enqueue(auditItem{score: &event})
}

// RecordChat queues a broadcast chat message
func (a *AuditWorker) RecordChat(event domain.ChatEvent) {
	a.enqueue(auditItem{chat: &event})
}

func (a *AuditWorker) enqueue(item auditItem) {
	select {
	case a.queue <- item:
	default:
		a.logger.Warn("audit queue full, dropping event")
	}
}

// Start begins the background flusher
func (a *AuditWorker) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	go a.run(a.stopCh, a.doneCh)
	a.logger.Info("audit worker started",
		"batch_size", a.config.BatchSize,
		"flush_interval", a.config.FlushInterval,
	)
}

// Stop flushes queued events and stops the flusher
func (a *AuditWorker) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	stopCh, doneCh := a.stopCh, a.doneCh
	a.running = false
	a.mu.Unlock()

	close(stopCh)
	<-doneCh
	a.logger.Info("audit worker stopped")
}

func (a *AuditWorker) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	batch := make([]auditItem, 0, a.config.BatchSize)
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-stopCh:
			// Drain what is already queued before exit
			for {
				select {
				case item := <-a.queue:
					batch = append(batch, item)
				default:
					flush()
					return
				}
			}

		case <-ticker.C:
			flush()

		case item := <-a.queue:
			batch = append(batch, item)
			if len(batch) >= a.config.BatchSize {
				flush()
			}
		}
	}
}

// write splits a batch by kind and stores both halves
func (a *AuditWorker) write(batch []auditItem) {
	var scores []domain.ScoreEvent
	var chats []domain.ChatEvent
	for _, item := range batch {
		switch {
		case item.score != nil:
			scores = append(scores, *item.score)
		case item.chat != nil:
			chats = append(chats, *item.chat)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(scores) > 0 {
		if err := a.store.InsertScoreEvents(ctx, scores); err != nil {
			a.logger.Error("failed to record score events", "error", err, "batch_size", len(scores))
		}
	}
	if len(chats) > 0 {
		if err := a.store.InsertChatEvents(ctx, chats); err != nil {
			a.logger.Error("failed to record chat messages", "error", err, "batch_size", len(chats))
		}
	}
}
