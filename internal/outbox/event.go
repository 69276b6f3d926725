// Package outbox implements the transactional outbox: domain events are
// written in the same database transaction as the state change they report,
// then delivered asynchronously at-least-once to registered consumers.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the pipeline.
const (
	EventDocumentTransitioned = "document.transitioned"
	EventDocumentDeleted      = "document.deleted"
	EventLedgerPosted         = "ledger.posted"
	EventLedgerRolledBack     = "ledger.rolledback"
)

// Event is one undelivered or delivered domain event.
type Event struct {
	ID             uuid.UUID
	AggregateID    uuid.UUID
	EventType      string
	Payload        json.RawMessage
	IdempotencyKey string
	CreatedAt      time.Time
	DispatchedAt   *time.Time
	Attempts       int
	NextAttemptAt  time.Time
	DeadLettered   bool
	LastError      string
}

// NewEvent builds a pending event. The idempotency key is derived from the
// aggregate, the event type, and the causal version of the aggregate at the
// time of the state change, so duplicate deliveries collapse downstream.
func NewEvent(aggregateID uuid.UUID, eventType string, causalVersion int64, payload any) (Event, error) {
	if aggregateID == uuid.Nil {
		return Event{}, errors.New("outbox: aggregate id required")
	}
	if eventType == "" {
		return Event{}, errors.New("outbox: event type required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("outbox: marshal payload: %w", err)
	}
	now := time.Now().UTC()
	return Event{
		ID:             uuid.New(),
		AggregateID:    aggregateID,
		EventType:      eventType,
		Payload:        raw,
		IdempotencyKey: IdempotencyKey(aggregateID, eventType, causalVersion),
		CreatedAt:      now,
		NextAttemptAt:  now,
	}, nil
}

// IdempotencyKey composes the deterministic delivery key.
func IdempotencyKey(aggregateID uuid.UUID, eventType string, causalVersion int64) string {
	return fmt.Sprintf("%s:%s:%d", aggregateID, eventType, causalVersion)
}
