package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertQuery = `INSERT INTO audit_events
(id, document_id, action, actor, old_state, new_state, trace_id, detail, idempotency_key, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (idempotency_key) DO NOTHING`

// Insert writes a record inside the producer's transaction. A duplicate
// idempotency key is silently ignored; the existing row stands.
func Insert(ctx context.Context, tx pgx.Tx, record Record) error {
	_, err := tx.Exec(ctx, insertQuery,
		record.ID, record.DocumentID, record.Action, record.Actor,
		record.OldState, record.NewState, record.TraceID, record.Detail, record.IdempotencyKey, record.OccurredAt)
	return err
}

// Repository is the audit log's persistence port.
type Repository interface {
	Record(ctx context.Context, record Record) (Record, error)
	Timeline(ctx context.Context, documentID uuid.UUID, after time.Time, limit int) ([]Record, error)
	GlobalTimeline(ctx context.Context, limit int) ([]Record, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// Record persists the record, returning the stored row. Duplicates on the
// idempotency key return the existing record without error.
func (r *repository) Record(ctx context.Context, record Record) (Record, error) {
	if record.IdempotencyKey == "" {
		return Record{}, errors.New("audit: idempotency key required")
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, insertQuery,
		record.ID, record.DocumentID, record.Action, record.Actor,
		record.OldState, record.NewState, record.TraceID, record.Detail, record.IdempotencyKey, record.OccurredAt)
	if err != nil {
		return Record{}, err
	}
	if tag.RowsAffected() == 1 {
		return record, nil
	}
	return r.byKey(ctx, record.IdempotencyKey)
}

func (r *repository) byKey(ctx context.Context, key string) (Record, error) {
	row := r.db.QueryRow(ctx, `SELECT id, document_id, action, actor, old_state, new_state, trace_id, detail, idempotency_key, occurred_at
FROM audit_events WHERE idempotency_key = $1`, key)
	var record Record
	err := row.Scan(&record.ID, &record.DocumentID, &record.Action, &record.Actor,
		&record.OldState, &record.NewState, &record.TraceID, &record.Detail, &record.IdempotencyKey, &record.OccurredAt)
	return record, err
}

// Timeline returns a document's records ascending by timestamp, resumable
// from a cursor.
func (r *repository) Timeline(ctx context.Context, documentID uuid.UUID, after time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT id, document_id, action, actor, old_state, new_state, trace_id, detail, idempotency_key, occurred_at
FROM audit_events WHERE document_id = $1 AND occurred_at > $2
ORDER BY occurred_at ASC, id ASC LIMIT $3`, documentID, after, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// GlobalTimeline returns the most recent records across all documents.
func (r *repository) GlobalTimeline(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT id, document_id, action, actor, old_state, new_state, trace_id, detail, idempotency_key, occurred_at
FROM audit_events ORDER BY occurred_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.ID, &record.DocumentID, &record.Action, &record.Actor,
			&record.OldState, &record.NewState, &record.TraceID, &record.Detail, &record.IdempotencyKey, &record.OccurredAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
