package documents

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/audit"
	"github.com/ledgerline/ledgerline/internal/outbox"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// Repository encapsulates DB operations for documents.
type Repository interface {
	Create(ctx context.Context, docType DocumentType) (Document, error)
	Get(ctx context.Context, id uuid.UUID) (Document, error)
	List(ctx context.Context, limit, offset int) ([]Document, int, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// CascadeCounts reports how many dependent rows each cascade stage removed.
type CascadeCounts struct {
	LedgerEntries   int64
	LedgerGroups    int64
	ProposalLines   int64
	Approvals       int64
	Proposals       int64
	ExtractedFields int64
	AuditEvents     int64
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error)
	// UpdateStatus moves the document to the target state conditioned on the
	// current status still matching from; concurrent conflicting transitions
	// leave exactly one winner.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (Document, error)
	AppendAudit(ctx context.Context, record audit.Record) error
	AppendEvent(ctx context.Context, event outbox.Event) error
	// DeleteCascade removes every dependent row bottom-up, then the document.
	DeleteCascade(ctx context.Context, id uuid.UUID) (CascadeCounts, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const documentColumns = `id, doc_type, status, version, created_at, updated_at`

func (r *repository) Create(ctx context.Context, docType DocumentType) (Document, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO documents (id, doc_type, status, version)
VALUES ($1, $2, $3, 1) RETURNING `+documentColumns, uuid.New(), docType, StatusNew)
	return scanDocument(row)
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	row := r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, shared.ErrNotFound
	}
	return doc, err
}

func (r *repository) List(ctx context.Context, limit, offset int) ([]Document, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+documentColumns+` FROM documents
ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Type, &doc.Status, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// NewTxRepository wraps an existing transaction so other services can apply
// document transitions atomically with their own writes.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, shared.ErrNotFound
	}
	return doc, err
}

func (r *txRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (Document, error) {
	row := r.tx.QueryRow(ctx, `UPDATE documents
SET status = $3, version = version + 1, updated_at = NOW()
WHERE id = $1 AND status = $2
RETURNING `+documentColumns, id, from, to)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, &shared.TransitionError{DocumentID: id, From: string(from), Event: string(to)}
	}
	return doc, err
}

func (r *txRepository) AppendAudit(ctx context.Context, record audit.Record) error {
	return audit.Insert(ctx, r.tx, record)
}

func (r *txRepository) AppendEvent(ctx context.Context, event outbox.Event) error {
	return outbox.Append(ctx, r.tx, event)
}

// DeleteCascade removes dependents bottom-up: ledger entries, ledger groups
// (reversal groups carry no proposal, so both hang off the document), proposal
// entry lines, approvals, proposals, extracted fields, audit evidence, and
// finally the document row itself.
func (r *txRepository) DeleteCascade(ctx context.Context, id uuid.UUID) (CascadeCounts, error) {
	var counts CascadeCounts

	tag, err := r.tx.Exec(ctx, `DELETE FROM ledger_entries WHERE group_id IN
(SELECT id FROM ledger_groups WHERE document_id = $1)`, id)
	if err != nil {
		return counts, err
	}
	counts.LedgerEntries = tag.RowsAffected()

	tag, err = r.tx.Exec(ctx, `DELETE FROM ledger_groups WHERE document_id = $1`, id)
	if err != nil {
		return counts, err
	}
	counts.LedgerGroups = tag.RowsAffected()

	tag, err = r.tx.Exec(ctx, `DELETE FROM proposal_lines WHERE proposal_id IN
(SELECT id FROM journal_proposals WHERE document_id = $1)`, id)
	if err != nil {
		return counts, err
	}
	counts.ProposalLines = tag.RowsAffected()

	tag, err = r.tx.Exec(ctx, `DELETE FROM approvals WHERE document_id = $1`, id)
	if err != nil {
		return counts, err
	}
	counts.Approvals = tag.RowsAffected()

	tag, err = r.tx.Exec(ctx, `DELETE FROM journal_proposals WHERE document_id = $1`, id)
	if err != nil {
		return counts, err
	}
	counts.Proposals = tag.RowsAffected()

	tag, err = r.tx.Exec(ctx, `DELETE FROM extracted_fields WHERE document_id = $1`, id)
	if err != nil {
		return counts, err
	}
	counts.ExtractedFields = tag.RowsAffected()

	tag, err = r.tx.Exec(ctx, `DELETE FROM audit_events WHERE document_id = $1`, id)
	if err != nil {
		return counts, err
	}
	counts.AuditEvents = tag.RowsAffected()

	if _, err := r.tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return counts, err
	}
	return counts, nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.Type, &doc.Status, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	return doc, err
}
