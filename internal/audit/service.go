package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/outbox"
)

// Service answers audit queries and consumes dispatched outbox events.
type Service struct {
	repo Repository
}

// NewService constructs the audit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record stores one audit record, idempotent on the idempotency key.
func (s *Service) Record(ctx context.Context, record Record) (Record, error) {
	return s.repo.Record(ctx, record)
}

// Timeline returns a document's history ascending by timestamp. The after
// cursor lets callers resume a previous query.
func (s *Service) Timeline(ctx context.Context, documentID uuid.UUID, after time.Time, limit int) ([]Record, error) {
	return s.repo.Timeline(ctx, documentID, after, limit)
}

// GlobalTimeline returns the most recent records across all documents.
func (s *Service) GlobalTimeline(ctx context.Context, limit int) ([]Record, error) {
	return s.repo.GlobalTimeline(ctx, limit)
}

// Consumer adapts the service into the mandatory outbox consumer. Producers
// embed the audit record in the event payload; duplicate deliveries collapse
// on the idempotency key, so at-least-once dispatch yields exactly one row.
type Consumer struct {
	service *Service
}

// NewConsumer constructs the outbox consumer.
func NewConsumer(service *Service) *Consumer {
	return &Consumer{service: service}
}

// Name identifies the consumer in dispatcher logs.
func (c *Consumer) Name() string { return "audit" }

// Consume records the event's audit payload.
func (c *Consumer) Consume(ctx context.Context, event outbox.Event) error {
	var record Record
	if err := json.Unmarshal(event.Payload, &record); err != nil {
		return fmt.Errorf("audit: decode event %s: %w", event.ID, err)
	}
	if record.IdempotencyKey == "" {
		record.IdempotencyKey = event.IdempotencyKey
	}
	if record.DocumentID == uuid.Nil {
		record.DocumentID = event.AggregateID
	}
	_, err := c.service.Record(ctx, record)
	return err
}
