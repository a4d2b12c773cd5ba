package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

const (
	defaultSweepBatch      = 500
	defaultSweepMaxBatches = 20
)

// OverrideSweeper disables expired overrides in batches.
type OverrideSweeper interface {
	SweepExpiredOverrides(ctx context.Context, limit int) (int, error)
}

// OverrideSweepJob disables expired overrides so stored state and the audit
// timeline match what resolution already enforces.
type OverrideSweepJob struct {
	Sweeper OverrideSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOverrideSweepJob initialises the sweep handler.
func NewOverrideSweepJob(sweeper OverrideSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverrideSweepJob {
	return &OverrideSweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Handle sweeps batch after batch until a short batch or the batch cap.
func (j *OverrideSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("override sweep: handler not configured")
	}
	var payload OverrideSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = defaultSweepBatch
	}
	if payload.MaxBatches <= 0 {
		payload.MaxBatches = defaultSweepMaxBatches
	}

	tracker := j.metrics().Track("access_override_sweep")
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	total := 0
	for batch := 0; batch < payload.MaxBatches; batch++ {
		n, err := j.Sweeper.SweepExpiredOverrides(ctx, payload.BatchSize)
		total += n
		if err != nil {
			j.logger().Error("override sweep failed", slog.Int("swept", total), slog.Any("error", err))
			j.metrics().AddProcessed("access_override_sweep", total)
			return err
		}
		if n < payload.BatchSize {
			break
		}
	}
	j.metrics().AddProcessed("access_override_sweep", total)
	if total > 0 {
		j.logger().Info("override sweep complete", slog.Int("swept", total))
	}
	return nil
}

func (j *OverrideSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskOverrideSweep))
	}
	return slog.Default().With(slog.String("job", TaskOverrideSweep))
}

func (j *OverrideSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
