package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/llmux/internal/storage"
	"github.com/eugener/llmux/internal/userstore"
)

// userFlushEvery is how often dirty user records reach the backend.
const userFlushEvery = 20 * time.Second

// UserFlushWorker periodically writes dirty user records to the backend,
// and once more on shutdown so counters survive a restart.
type UserFlushWorker struct {
	store   *userstore.Store
	backend storage.UserStore
}

// NewUserFlushWorker creates a UserFlushWorker.
func NewUserFlushWorker(store *userstore.Store, backend storage.UserStore) *UserFlushWorker {
	return &UserFlushWorker{store: store, backend: backend}
}

// Name returns the worker identifier.
func (w *UserFlushWorker) Name() string { return "user_flush" }

// Run flushes on a fixed cadence until ctx is cancelled.
func (w *UserFlushWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(userFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.store.Flush(ctx, w.backend); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "user flush failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			// Final flush with a fresh context; ctx is already dead.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := w.store.Flush(shutdownCtx, w.backend); err != nil {
				slog.LogAttrs(shutdownCtx, slog.LevelError, "final user flush failed",
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
	}
}
