package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverrideSweep disables overrides whose expiry has passed.
	TaskOverrideSweep = "access:override_sweep"
	// TaskIdempotencyCleanup removes idempotency keys past their retention.
	TaskIdempotencyCleanup = "access:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverrideSweepPayload configures one sweep run.
type OverrideSweepPayload struct {
	BatchSize  int `json:"batch_size"`
	MaxBatches int `json:"max_batches"`
}

// NewOverrideSweepTask constructs an Asynq task.
func NewOverrideSweepTask(payload OverrideSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverrideSweep, data, asynq.Queue(QueueDefault), asynq.Unique(time.Minute)), nil
}

// IdempotencyCleanupPayload configures the retention applied by one cleanup run.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
