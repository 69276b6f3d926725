// Package jobs hosts the background worker: the outbox dispatch loop and
// periodic housekeeping, scheduled through Asynq.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOutboxDispatch drains one batch of pending outbox events.
	TaskOutboxDispatch = "outbox:dispatch"
	// TaskIdempotencyCleanup trims expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// OutboxDispatchPayload tunes a single dispatch cycle.
type OutboxDispatchPayload struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// NewOutboxDispatchTask constructs an Asynq task for one dispatch cycle.
func NewOutboxDispatchTask(payload OutboxDispatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOutboxDispatch, data), nil
}

// IdempotencyCleanupPayload bounds the retention of processed keys.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
