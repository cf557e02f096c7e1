package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tienda-erp/tienda-erp/internal/ledger"
)

// LedgerValidator is the slice of the ledger service the integrity job needs.
type LedgerValidator interface {
	Providers(ctx context.Context) ([]int64, error)
	Validate(ctx context.Context, providerID int64) (ledger.Validation, error)
}

// NewLedgerIntegrityHandler returns the Asynq handler that replays provider
// chains. Drift is logged and the task fails so the run shows up in the queue
// history; repair stays a manual recalculate call.
func NewLedgerIntegrityHandler(svc LedgerValidator, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload LedgerIntegrityPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}

		providers := []int64{payload.ProviderID}
		if payload.ProviderID == 0 {
			var err error
			providers, err = svc.Providers(ctx)
			if err != nil {
				return fmt.Errorf("list providers: %w", err)
			}
		}

		drifted := 0
		for _, providerID := range providers {
			result, err := svc.Validate(ctx, providerID)
			if err != nil {
				return fmt.Errorf("validate provider %d: %w", providerID, err)
			}
			if result.Valid {
				continue
			}
			drifted++
			logger.Error("ledger drift detected",
				slog.Int64("provider_id", providerID),
				slog.Int64("seq", result.BadSeq),
				slog.String("expected", result.Expected.String()),
				slog.String("actual", result.Actual.String()),
			)
		}
		if drifted > 0 {
			return fmt.Errorf("%w: %d provider(s) drifted", ledger.ErrImbalance, drifted)
		}
		logger.Info("ledger integrity check passed", slog.Int("providers", len(providers)))
		return nil
	}
}
