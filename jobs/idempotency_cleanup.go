package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// IdempotencyCleaner prunes processed operation keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewIdempotencyCleanupHandler returns the Asynq handler that prunes old
// idempotency keys. The keys only guard retries of recent operations, so
// anything past the retention window is dead weight in the table.
func NewIdempotencyCleanupHandler(store IdempotencyCleaner, retention time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return func(ctx context.Context, t *asynq.Task) error {
		if err := store.Cleanup(ctx, retention); err != nil {
			return fmt.Errorf("cleanup idempotency keys: %w", err)
		}
		logger.Info("idempotency keys pruned", slog.Duration("retention", retention))
		return nil
	}
}
