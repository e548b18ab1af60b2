package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leaderboard-relay/internal/config"
)

// Sweeper evicts stale leaderboard entries and reports how many went away
type Sweeper interface {
	Sweep(now time.Time) int
}

// SweepWorker runs the staleness sweep on a fixed interval
type SweepWorker struct {
	sweeper Sweeper
	config  *config.LeaderboardConfig
	now     func() time.Time
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSweepWorker creates a new sweep worker. A nil clock means time.Now.
func NewSweepWorker(
	sweeper Sweeper,
	cfg *config.LeaderboardConfig,
	clock func() time.Time,
	logger *slog.Logger,
) *SweepWorker {
	if clock == nil {
		clock = time.Now
	}
	return &SweepWorker{
		sweeper: sweeper,
		config:  cfg,
		now:     clock,
		logger:  logger,
	}
}

// Start begins the periodic sweep
func (w *SweepWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	w.logger.Info("sweep worker started",
		"interval", w.config.SweepInterval,
		"stale_window", w.config.StaleWindow,
	)

	go w.run(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop cancels the timer and waits for the loop to exit
func (w *SweepWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.running = false
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.logger.Info("sweep worker stopped")
	return nil
}

// run is the main worker loop
func (w *SweepWorker) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce runs a single sweep and returns the number of evicted players
func (w *SweepWorker) RunOnce() int {
	removed := w.sweeper.Sweep(w.now())
	w.logger.Debug("sweep completed", "removed", removed)
	return removed
}

// IsRunning returns whether the worker is currently running
func (w *SweepWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
