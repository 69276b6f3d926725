package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Append writes an event inside the producer's transaction. Producers call
// this from the same tx that performs their state change; the event becomes
// visible to the dispatcher only when that tx commits.
func Append(ctx context.Context, tx pgx.Tx, event Event) error {
	_, err := tx.Exec(ctx, `INSERT INTO outbox_events
(id, aggregate_id, event_type, payload, idempotency_key, created_at, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.AggregateID, event.EventType, event.Payload, event.IdempotencyKey, event.CreatedAt, event.NextAttemptAt)
	return err
}

// TxRepository exposes the per-event updates available while a claimed batch
// is held.
type TxRepository interface {
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastErr string) error
	MarkDeadLettered(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
}

// Repository is the dispatcher's persistence port.
type Repository interface {
	// WithPending claims up to limit deliverable events under row locks and
	// invokes fn with them. Rows stay locked until fn returns, so concurrent
	// workers skip them (skip-on-contention).
	WithPending(ctx context.Context, limit int, now time.Time, fn func(ctx context.Context, tx TxRepository, events []Event) error) error
	ListDeadLetters(ctx context.Context, limit int) ([]Event, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// claimQuery selects each aggregate's oldest undelivered event so that events
// sharing an aggregate are delivered in creation order. A dead-lettered
// predecessor does not block its successors; an undelivered one does. The id
// breaks ties between events created in the same microsecond, so same-instant
// siblings still claim one at a time.
const claimQuery = `SELECT id, aggregate_id, event_type, payload, idempotency_key, created_at, dispatched_at, attempts, next_attempt_at, dead_lettered, last_error
FROM outbox_events e
WHERE e.dispatched_at IS NULL
  AND NOT e.dead_lettered
  AND e.next_attempt_at <= $1
  AND NOT EXISTS (
    SELECT 1 FROM outbox_events prior
    WHERE prior.aggregate_id = e.aggregate_id
      AND prior.dispatched_at IS NULL
      AND NOT prior.dead_lettered
      AND (prior.created_at, prior.id) < (e.created_at, e.id)
  )
ORDER BY e.created_at ASC, e.id ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

func (r *repository) WithPending(ctx context.Context, limit int, now time.Time, fn func(context.Context, TxRepository, []Event) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, claimQuery, now, limit)
	if err != nil {
		return err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return err
	}

	if err := fn(ctx, &txRepository{tx: tx}, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *repository) ListDeadLetters(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT id, aggregate_id, event_type, payload, idempotency_key, created_at, dispatched_at, attempts, next_attempt_at, dead_lettered, last_error
FROM outbox_events WHERE dead_lettered ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// Requeue resets a dead-lettered event for another delivery round. Operator
// remediation path; attempts restart from zero.
func (r *repository) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE outbox_events
SET dead_lettered = FALSE, attempts = 0, next_attempt_at = NOW(), last_error = ''
WHERE id = $1 AND dead_lettered`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE outbox_events SET dispatched_at = $2, last_error = '' WHERE id = $1`, id, at)
	return err
}

func (r *txRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastErr string) error {
	_, err := r.tx.Exec(ctx, `UPDATE outbox_events SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`, id, attempts, nextAttempt, lastErr)
	return err
}

func (r *txRepository) MarkDeadLettered(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	_, err := r.tx.Exec(ctx, `UPDATE outbox_events SET attempts = $2, dead_lettered = TRUE, last_error = $3 WHERE id = $1`, id, attempts, lastErr)
	return err
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.AggregateID, &event.EventType, &event.Payload, &event.IdempotencyKey, &event.CreatedAt, &event.DispatchedAt, &event.Attempts, &event.NextAttemptAt, &event.DeadLettered, &event.LastError); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
