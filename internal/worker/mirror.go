package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leaderboard-relay/internal/domain"
)

// SnapshotWriter stores a full leaderboard snapshot somewhere outside the process
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, snapshot []domain.PlayerRecord) error
}

// MirrorWorker copies broadcast snapshots to a SnapshotWriter off the event
// path. Only the newest pending snapshot is written; older ones are replaced
// while a write is in flight.
type MirrorWorker struct {
	writer  SnapshotWriter
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	pending    []domain.PlayerRecord
	hasPending bool
	running    bool

	notify chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMirrorWorker creates a new mirror worker
func NewMirrorWorker(writer SnapshotWriter, timeout time.Duration, logger *slog.Logger) *MirrorWorker {
	return &MirrorWorker{
		writer:  writer,
		timeout: timeout,
		logger:  logger,
		notify:  make(chan struct{}, 1),
	}
}

// Submit queues a snapshot for writing. It never blocks.
func (m *MirrorWorker) Submit(snapshot []domain.PlayerRecord) {
	m.mu.Lock()
	m.pending = snapshot
	m.hasPending = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Start begins the background writer
func (m *MirrorWorker) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(m.stopCh, m.doneCh)
	m.logger.Info("mirror worker started")
}

// Stop writes whatever is still pending and stops the writer
func (m *MirrorWorker) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.running = false
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
	m.logger.Info("mirror worker stopped")
}

func (m *MirrorWorker) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			m.flush()
			return
		case <-m.notify:
			m.flush()
		}
	}
}

// flush writes the pending snapshot, if any
func (m *MirrorWorker) flush() {
	m.mu.Lock()
	snapshot, ok := m.pending, m.hasPending
	m.pending, m.hasPending = nil, false
	m.mu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.writer.WriteSnapshot(ctx, snapshot); err != nil {
		m.logger.Warn("failed to mirror snapshot", "players", len(snapshot), "error", err)
		return
	}
	m.logger.Debug("mirrored snapshot", "players", len(snapshot))
}
