package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/promptduel-backend/internal/redis"
	"github.com/promptduel-backend/internal/store"
)

// RefreshWorker periodically rebuilds the Redis leaderboard snapshot from
// the session store so polling clients mostly hit warm cache
type RefreshWorker struct {
	store    store.Store
	cache    *redis.LeaderboardCache
	interval time.Duration
	limit    int
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewRefreshWorker creates a new refresh worker
func NewRefreshWorker(
	st store.Store,
	cache *redis.LeaderboardCache,
	interval time.Duration,
	limit int,
	logger *slog.Logger,
) *RefreshWorker {
	return &RefreshWorker{
		store:    st,
		cache:    cache,
		interval: interval,
		limit:    limit,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background refresh process
func (w *RefreshWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("leaderboard refresh worker started", "interval", w.interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background refresh process
func (w *RefreshWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("leaderboard refresh worker stopped")
	return nil
}

// run is the main worker loop
func (w *RefreshWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Refresh(ctx)
		}
	}
}

// Refresh rebuilds the cached snapshot once. Failures are logged; the next
// tick tries again.
func (w *RefreshWorker) Refresh(ctx context.Context) {
	start := time.Now()

	entries, err := w.store.Leaderboard(ctx, w.limit)
	if err != nil {
		w.logger.Error("failed to load leaderboard for refresh", "error", err)
		return
	}

	if err := w.cache.SetSnapshot(ctx, entries); err != nil {
		w.logger.Error("failed to store leaderboard snapshot", "error", err)
		return
	}

	w.logger.Debug("leaderboard snapshot refreshed",
		"entries", len(entries),
		"duration", time.Since(start),
	)
}
