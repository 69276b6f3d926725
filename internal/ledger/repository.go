package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/audit"
	"github.com/ledgerline/ledgerline/internal/documents"
	"github.com/ledgerline/ledgerline/internal/outbox"
	"github.com/ledgerline/ledgerline/internal/proposals"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// Repository encapsulates DB operations for the ledger.
type Repository interface {
	EntriesForDocument(ctx context.Context, documentID uuid.UUID) ([]Entry, error)
	GetGroup(ctx context.Context, id uuid.UUID) (Group, error)
	GroupsForDocument(ctx context.Context, documentID uuid.UUID) ([]Group, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a posting transaction.
type TxRepository interface {
	GetApproval(ctx context.Context, id uuid.UUID) (proposals.Approval, error)
	GetProposalWithLines(ctx context.Context, id uuid.UUID) (proposals.Proposal, error)
	// NextJournalSequence transactionally increments the per-day counter row,
	// the single piece of mutable shared state behind journal numbering.
	NextJournalSequence(ctx context.Context, day time.Time) (int64, error)
	InsertGroup(ctx context.Context, group Group) error
	InsertEntries(ctx context.Context, entries []Entry) error
	GetGroupForUpdate(ctx context.Context, id uuid.UUID) (Group, error)
	EntriesForGroup(ctx context.Context, groupID uuid.UUID) ([]Entry, error)
	HasReversal(ctx context.Context, groupID uuid.UUID) (bool, error)
	AppendAudit(ctx context.Context, record audit.Record) error
	AppendEvent(ctx context.Context, event outbox.Event) error
	Documents() documents.TxRepository
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const entryColumns = `id, group_id, journal_number, account_code, debit_amount, credit_amount, posted_at, reversal_of`
const groupColumns = `id, document_id, proposal_id, journal_number, posted_at, reversal_of`

func (r *repository) EntriesForDocument(ctx context.Context, documentID uuid.UUID) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `SELECT e.id, e.group_id, e.journal_number, e.account_code, e.debit_amount, e.credit_amount, e.posted_at, e.reversal_of
FROM ledger_entries e JOIN ledger_groups g ON g.id = e.group_id
WHERE g.document_id = $1 ORDER BY e.posted_at ASC, e.id ASC`, documentID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (r *repository) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	return scanGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM ledger_groups WHERE id = $1`, id))
}

func (r *repository) GroupsForDocument(ctx context.Context, documentID uuid.UUID) ([]Group, error) {
	rows, err := r.db.Query(ctx, `SELECT `+groupColumns+` FROM ledger_groups
WHERE document_id = $1 ORDER BY posted_at ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
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

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Documents() documents.TxRepository {
	return documents.NewTxRepository(r.tx)
}

func (r *txRepository) GetApproval(ctx context.Context, id uuid.UUID) (proposals.Approval, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, document_id, proposal_id, status, reviewer, note, created_at, resolved_at
FROM approvals WHERE id = $1`, id)
	var approval proposals.Approval
	err := row.Scan(&approval.ID, &approval.DocumentID, &approval.ProposalID, &approval.Status, &approval.Reviewer, &approval.Note, &approval.CreatedAt, &approval.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return proposals.Approval{}, shared.ErrNotFound
	}
	return approval, err
}

func (r *txRepository) GetProposalWithLines(ctx context.Context, id uuid.UUID) (proposals.Proposal, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, document_id, confidence, status, created_at, updated_at
FROM journal_proposals WHERE id = $1`, id)
	var proposal proposals.Proposal
	if err := row.Scan(&proposal.ID, &proposal.DocumentID, &proposal.Confidence, &proposal.Status, &proposal.CreatedAt, &proposal.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return proposals.Proposal{}, shared.ErrNotFound
		}
		return proposals.Proposal{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, proposal_id, position, debit_account, credit_account, amount, description
FROM proposal_lines WHERE proposal_id = $1 ORDER BY position ASC`, id)
	if err != nil {
		return proposals.Proposal{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line proposals.EntryLine
		if err := rows.Scan(&line.ID, &line.ProposalID, &line.Position, &line.DebitAccount, &line.CreditAccount, &line.Amount, &line.Description); err != nil {
			return proposals.Proposal{}, err
		}
		proposal.Lines = append(proposal.Lines, line)
	}
	return proposal, rows.Err()
}

func (r *txRepository) NextJournalSequence(ctx context.Context, day time.Time) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_sequences (day, counter) VALUES ($1, 1)
ON CONFLICT (day) DO UPDATE SET counter = journal_sequences.counter + 1
RETURNING counter`, day.Format("2006-01-02")).Scan(&seq)
	return seq, err
}

func (r *txRepository) InsertGroup(ctx context.Context, group Group) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_groups (id, document_id, proposal_id, journal_number, posted_at, reversal_of)
VALUES ($1, $2, $3, $4, $5, $6)`,
		group.ID, group.DocumentID, group.ProposalID, group.JournalNumber, group.PostedAt, group.ReversalOf)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.ErrPostingConflict
		}
		return err
	}
	return nil
}

func (r *txRepository) InsertEntries(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if _, err := r.tx.Exec(ctx, `INSERT INTO ledger_entries (id, group_id, journal_number, account_code, debit_amount, credit_amount, posted_at, reversal_of)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			entry.ID, entry.GroupID, entry.JournalNumber, entry.AccountCode, entry.DebitAmount, entry.CreditAmount, entry.PostedAt, entry.ReversalOf); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetGroupForUpdate(ctx context.Context, id uuid.UUID) (Group, error) {
	return scanGroup(r.tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM ledger_groups WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepository) EntriesForGroup(ctx context.Context, groupID uuid.UUID) ([]Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE group_id = $1 ORDER BY id ASC`, groupID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (r *txRepository) HasReversal(ctx context.Context, groupID uuid.UUID) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_groups WHERE reversal_of = $1)`, groupID).Scan(&exists)
	return exists, err
}

func (r *txRepository) AppendAudit(ctx context.Context, record audit.Record) error {
	return audit.Insert(ctx, r.tx, record)
}

func (r *txRepository) AppendEvent(ctx context.Context, event outbox.Event) error {
	return outbox.Append(ctx, r.tx, event)
}

func scanGroup(row pgx.Row) (Group, error) {
	var group Group
	err := row.Scan(&group.ID, &group.DocumentID, &group.ProposalID, &group.JournalNumber, &group.PostedAt, &group.ReversalOf)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, shared.ErrNotFound
	}
	return group, err
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ID, &entry.GroupID, &entry.JournalNumber, &entry.AccountCode, &entry.DebitAmount, &entry.CreditAmount, &entry.PostedAt, &entry.ReversalOf); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
