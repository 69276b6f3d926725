package proposals

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/ledgerline/internal/documents"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// CreateProposalInput carries an incoming proposal from the coding agent.
type CreateProposalInput struct {
	DocumentID uuid.UUID
	Confidence float64
	Lines      []CreateLineInput
}

// CreateLineInput is one proposed pairing.
type CreateLineInput struct {
	DebitAccount  string
	CreditAccount string
	Amount        float64
	Description   string
}

// Repository encapsulates DB operations for proposals and approvals.
type Repository interface {
	CreateProposal(ctx context.Context, input CreateProposalInput) (Proposal, error)
	GetProposal(ctx context.Context, id uuid.UUID) (Proposal, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Proposal, error)
	GetApproval(ctx context.Context, id uuid.UUID) (Approval, error)
	ListApprovalsByDocument(ctx context.Context, documentID uuid.UUID) ([]Approval, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction. Documents()
// shares the same transaction so approval resolution and the document's
// status change commit or roll back together.
type TxRepository interface {
	GetProposalForUpdate(ctx context.Context, id uuid.UUID) (Proposal, error)
	GetApprovalForUpdate(ctx context.Context, id uuid.UUID) (Approval, error)
	HasActiveApproval(ctx context.Context, proposalID uuid.UUID) (bool, error)
	CreateApproval(ctx context.Context, approval Approval) (Approval, error)
	// UpdateProposalStatus is conditional on the current status; zero rows
	// updated reports the concurrent loser.
	UpdateProposalStatus(ctx context.Context, id uuid.UUID, from, to ProposalStatus) error
	// ResolveApproval is conditional on pending status, making concurrent
	// approve/reject races single-winner.
	ResolveApproval(ctx context.Context, id uuid.UUID, to ApprovalStatus, reviewer, note string, at time.Time) (Approval, error)
	Documents() documents.TxRepository
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) CreateProposal(ctx context.Context, input CreateProposalInput) (Proposal, error) {
	var proposal Proposal
	err := r.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inner := tx.(*txRepository)
		row := inner.tx.QueryRow(ctx, `INSERT INTO journal_proposals (id, document_id, confidence, status)
VALUES ($1, $2, $3, $4) RETURNING id, document_id, confidence, status, created_at, updated_at`,
			uuid.New(), input.DocumentID, input.Confidence, ProposalDraft)
		if err := row.Scan(&proposal.ID, &proposal.DocumentID, &proposal.Confidence, &proposal.Status, &proposal.CreatedAt, &proposal.UpdatedAt); err != nil {
			return err
		}
		for i, line := range input.Lines {
			var inserted EntryLine
			lineRow := inner.tx.QueryRow(ctx, `INSERT INTO proposal_lines
(proposal_id, position, debit_account, credit_account, amount, description)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, proposal_id, position, debit_account, credit_account, amount, description`,
				proposal.ID, i, line.DebitAccount, line.CreditAccount, line.Amount, line.Description)
			if err := lineRow.Scan(&inserted.ID, &inserted.ProposalID, &inserted.Position, &inserted.DebitAccount, &inserted.CreditAccount, &inserted.Amount, &inserted.Description); err != nil {
				return err
			}
			proposal.Lines = append(proposal.Lines, inserted)
		}
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}
	return proposal, nil
}

func (r *repository) GetProposal(ctx context.Context, id uuid.UUID) (Proposal, error) {
	return getProposal(ctx, r.db, id, "")
}

func (r *repository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Proposal, error) {
	rows, err := r.db.Query(ctx, `SELECT id, document_id, confidence, status, created_at, updated_at
FROM journal_proposals WHERE document_id = $1 ORDER BY created_at DESC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var proposals []Proposal
	for rows.Next() {
		var p Proposal
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Confidence, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range proposals {
		lines, err := loadLines(ctx, r.db, proposals[i].ID)
		if err != nil {
			return nil, err
		}
		proposals[i].Lines = lines
	}
	return proposals, nil
}

func (r *repository) GetApproval(ctx context.Context, id uuid.UUID) (Approval, error) {
	return scanApproval(r.db.QueryRow(ctx, `SELECT id, document_id, proposal_id, status, reviewer, note, created_at, resolved_at
FROM approvals WHERE id = $1`, id))
}

func (r *repository) ListApprovalsByDocument(ctx context.Context, documentID uuid.UUID) ([]Approval, error) {
	rows, err := r.db.Query(ctx, `SELECT id, document_id, proposal_id, status, reviewer, note, created_at, resolved_at
FROM approvals WHERE document_id = $1 ORDER BY created_at ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var approvals []Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
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

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Documents() documents.TxRepository {
	return documents.NewTxRepository(r.tx)
}

func (r *txRepository) GetProposalForUpdate(ctx context.Context, id uuid.UUID) (Proposal, error) {
	return getProposal(ctx, r.tx, id, " FOR UPDATE")
}

func (r *txRepository) GetApprovalForUpdate(ctx context.Context, id uuid.UUID) (Approval, error) {
	return scanApproval(r.tx.QueryRow(ctx, `SELECT id, document_id, proposal_id, status, reviewer, note, created_at, resolved_at
FROM approvals WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepository) HasActiveApproval(ctx context.Context, proposalID uuid.UUID) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approvals WHERE proposal_id = $1 AND status = $2)`,
		proposalID, ApprovalPending).Scan(&exists)
	return exists, err
}

func (r *txRepository) CreateApproval(ctx context.Context, approval Approval) (Approval, error) {
	if approval.ID == uuid.Nil {
		approval.ID = uuid.New()
	}
	row := r.tx.QueryRow(ctx, `INSERT INTO approvals (id, document_id, proposal_id, status, reviewer, note)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, document_id, proposal_id, status, reviewer, note, created_at, resolved_at`,
		approval.ID, approval.DocumentID, approval.ProposalID, ApprovalPending, approval.Reviewer, approval.Note)
	return scanApproval(row)
}

func (r *txRepository) UpdateProposalStatus(ctx context.Context, id uuid.UUID, from, to ProposalStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE journal_proposals SET status = $3, updated_at = NOW()
WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &shared.TransitionError{DocumentID: id, From: string(from), Event: string(to)}
	}
	return nil
}

func (r *txRepository) ResolveApproval(ctx context.Context, id uuid.UUID, to ApprovalStatus, reviewer, note string, at time.Time) (Approval, error) {
	row := r.tx.QueryRow(ctx, `UPDATE approvals
SET status = $2, reviewer = $3, note = $4, resolved_at = $5
WHERE id = $1 AND status = $6
RETURNING id, document_id, proposal_id, status, reviewer, note, created_at, resolved_at`,
		id, to, reviewer, note, at, ApprovalPending)
	approval, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, &shared.TransitionError{DocumentID: id, From: string(ApprovalPending), Event: string(to)}
	}
	return approval, err
}

func getProposal(ctx context.Context, q queryer, id uuid.UUID, lock string) (Proposal, error) {
	row := q.QueryRow(ctx, `SELECT id, document_id, confidence, status, created_at, updated_at
FROM journal_proposals WHERE id = $1`+lock, id)
	var p Proposal
	if err := row.Scan(&p.ID, &p.DocumentID, &p.Confidence, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, shared.ErrNotFound
		}
		return Proposal{}, err
	}
	lines, err := loadLines(ctx, q, id)
	if err != nil {
		return Proposal{}, err
	}
	p.Lines = lines
	return p, nil
}

func loadLines(ctx context.Context, q queryer, proposalID uuid.UUID) ([]EntryLine, error) {
	rows, err := q.Query(ctx, `SELECT id, proposal_id, position, debit_account, credit_account, amount, description
FROM proposal_lines WHERE proposal_id = $1 ORDER BY position ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []EntryLine
	for rows.Next() {
		var line EntryLine
		if err := rows.Scan(&line.ID, &line.ProposalID, &line.Position, &line.DebitAccount, &line.CreditAccount, &line.Amount, &line.Description); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanApproval(row pgx.Row) (Approval, error) {
	var approval Approval
	err := row.Scan(&approval.ID, &approval.DocumentID, &approval.ProposalID, &approval.Status, &approval.Reviewer, &approval.Note, &approval.CreatedAt, &approval.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, shared.ErrNotFound
	}
	return approval, err
}
