package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity replays every provider's ledger chain and reports
	// balance drift.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskCacheWarmup preloads the hot read paths after deploys or cache
	// flushes.
	TaskCacheWarmup = "cache:warmup"
	// TaskIdempotencyCleanup prunes movement references older than the
	// retention window.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LedgerIntegrityPayload narrows the integrity run to one provider when set.
type LedgerIntegrityPayload struct {
	ProviderID int64 `json:"provider_id,omitempty"`
}

// NewLedgerIntegrityTask constructs the integrity task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// NewCacheWarmupTask constructs the warmup task.
func NewCacheWarmupTask() *asynq.Task {
	return asynq.NewTask(TaskCacheWarmup, nil)
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
