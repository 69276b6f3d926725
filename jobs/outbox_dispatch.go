package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerline/ledgerline/internal/jobs"
	"github.com/ledgerline/ledgerline/internal/outbox"
)

// OutboxDispatchJob runs one delivery cycle of the outbox dispatcher per
// task. The cron schedule provides the heartbeat; row locks inside the
// dispatcher keep concurrent workers from double-delivering.
type OutboxDispatchJob struct {
	Dispatcher *outbox.Dispatcher
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewOutboxDispatchJob initialises the dispatch handler.
func NewOutboxDispatchJob(dispatcher *outbox.Dispatcher, logger *slog.Logger, metrics *jobmetrics.Metrics) *OutboxDispatchJob {
	return &OutboxDispatchJob{Dispatcher: dispatcher, Logger: logger, Metrics: metrics}
}

// Handle executes one dispatch cycle.
func (j *OutboxDispatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Dispatcher == nil {
		return errors.New("outbox dispatch: handler not configured")
	}
	var payload OutboxDispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskOutboxDispatch)
	result, err := j.Dispatcher.RunCycle(ctx)
	if err != nil {
		j.logger().Error("outbox dispatch cycle failed", slog.Any("error", err))
		return tracker.End(err)
	}
	if result.Claimed > 0 {
		j.logger().Info("outbox dispatch cycle",
			slog.Int("claimed", result.Claimed),
			slog.Int("dispatched", result.Dispatched),
			slog.Int("failed", result.Failed),
			slog.Int("dead_lettered", result.DeadLettered),
		)
	}
	return tracker.End(nil)
}

func (j *OutboxDispatchJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *OutboxDispatchJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}
