package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tienda-erp/tienda-erp/internal/catalog"
	"github.com/tienda-erp/tienda-erp/internal/purchases"
)

// Warmable groups the read paths preloaded by the warmup task.
type Warmable struct {
	PendingShipments func(ctx context.Context, branchID int64) ([]purchases.Purchase, error)
	FamilyGroupTree  func(ctx context.Context) ([]*catalog.Node, error)
}

// NewCacheWarmupHandler returns the Asynq handler that primes the cache. A
// failed loader is logged and skipped so one cold table does not abort the
// rest of the warmup.
func NewCacheWarmupHandler(w Warmable, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if w.PendingShipments != nil {
			if _, err := w.PendingShipments(ctx, 0); err != nil {
				logger.Warn("warm pending shipments", slog.Any("error", err))
			}
		}
		if w.FamilyGroupTree != nil {
			if _, err := w.FamilyGroupTree(ctx); err != nil {
				logger.Warn("warm family group tree", slog.Any("error", err))
			}
		}
		logger.Info("cache warmup finished")
		return nil
	}
}
