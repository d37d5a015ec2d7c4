package background

import (
	"context"
	"log/slog"
	"time"
)

// CleanupManager periodically purges rows whose useful life has ended:
// expired sessions and temp tokens, abandoned oauth states, and login
// attempts too old to influence a lockout decision. It complements the
// opportunistic request-path cleanup, which is probabilistic and only
// runs while traffic flows.
type CleanupManager struct {
	sessions SessionPurger
	states   StatePurger
	attempts AttemptPurger

	attemptRetention time.Duration
	interval         time.Duration
	logger           *slog.Logger
	stopCh           chan struct{}
}

// SessionPurger removes expired session rows
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// StatePurger removes expired oauth state rows
type StatePurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// AttemptPurger removes login attempt rows older than a cutoff
type AttemptPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	sessions SessionPurger,
	states StatePurger,
	attempts AttemptPurger,
	attemptRetention time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *CleanupManager {
	return &CleanupManager{
		sessions:         sessions,
		states:           states,
		attempts:         attempts,
		attemptRetention: attemptRetention,
		interval:         interval,
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if deleted, err := cm.sessions.DeleteExpired(cleanupCtx); err != nil {
		cm.logger.Error("failed to purge expired sessions", slog.Any("error", err))
	} else if deleted > 0 {
		cm.logger.Info("purged expired sessions", slog.Int64("rows_deleted", deleted))
	}

	if deleted, err := cm.states.DeleteExpired(cleanupCtx); err != nil {
		cm.logger.Error("failed to purge expired oauth states", slog.Any("error", err))
	} else if deleted > 0 {
		cm.logger.Info("purged expired oauth states", slog.Int64("rows_deleted", deleted))
	}

	cutoff := time.Now().Add(-cm.attemptRetention)
	if deleted, err := cm.attempts.DeleteOlderThan(cleanupCtx, cutoff); err != nil {
		cm.logger.Error("failed to purge stale login attempts", slog.Any("error", err))
	} else if deleted > 0 {
		cm.logger.Info("purged stale login attempts", slog.Int64("rows_deleted", deleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
