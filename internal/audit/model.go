// Package audit keeps the append-only evidence log. Every pipeline state
// change lands here exactly once, keyed by the outbox idempotency key.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Record is one audit event. Rows are write-once: they are never updated or
// deleted except by the guarded document cascade.
type Record struct {
	ID             uuid.UUID `json:"id"`
	DocumentID     uuid.UUID `json:"document_id"`
	Action         string    `json:"action"`
	Actor          string    `json:"actor"`
	OldState       string    `json:"old_state"`
	NewState       string    `json:"new_state"`
	TraceID        string    `json:"trace_id"`
	Detail         string    `json:"detail,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	OccurredAt     time.Time `json:"occurred_at"`
}
