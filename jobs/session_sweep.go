package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// SessionPruner removes expired session records and reports how many
// were dropped.
type SessionPruner interface {
	PruneExpired(ctx context.Context) (int, error)
}

// NewSessionSweepHandler returns the handler for TaskTypeSessionSweep
// tasks. Redis expires session payloads on its own; the sweep only
// clears dangling entries out of the per-user indexes.
func NewSessionSweepHandler(pruner SessionPruner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		pruned, err := pruner.PruneExpired(ctx)
		if err != nil {
			logger.Warn("session sweep", slog.Any("error", err))
			return err
		}
		if pruned > 0 {
			logger.Info("session sweep", slog.Int("pruned", pruned))
		}
		return nil
	}
}
