// Package proposals tracks journal proposals produced by the upstream coding
// agent and the approvals that resolve them.
package proposals

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/policy"
)

// ProposalStatus enumerates proposal lifecycle values.
type ProposalStatus string

const (
	ProposalDraft    ProposalStatus = "draft"
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// ApprovalStatus enumerates approval resolutions. Resolution is terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// EntryLine is one ordered debit/credit pairing of a proposal.
type EntryLine struct {
	ID            int64
	ProposalID    uuid.UUID
	Position      int
	DebitAccount  string
	CreditAccount string
	Amount        float64
	Description   string
}

// Proposal is a candidate journal awaiting approval. Totals and balance are
// derived from the lines, never stored independently.
type Proposal struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Lines      []EntryLine
	Confidence float64
	Status     ProposalStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TotalDebit sums line amounts on the debit side.
func (p Proposal) TotalDebit() float64 {
	var total float64
	for _, line := range p.Lines {
		if line.DebitAccount != "" {
			total += line.Amount
		}
	}
	return total
}

// TotalCredit sums line amounts on the credit side.
func (p Proposal) TotalCredit() float64 {
	var total float64
	for _, line := range p.Lines {
		if line.CreditAccount != "" {
			total += line.Amount
		}
	}
	return total
}

// IsBalanced reports whether totals agree within one currency unit.
func (p Proposal) IsBalanced() bool {
	return math.Abs(p.TotalDebit()-p.TotalCredit()) < 1.0
}

// PolicyInput converts the proposal into the engine's shape.
func (p Proposal) PolicyInput() policy.Proposal {
	lines := make([]policy.EntryLine, 0, len(p.Lines))
	for _, line := range p.Lines {
		lines = append(lines, policy.EntryLine{
			DebitAccount:  line.DebitAccount,
			CreditAccount: line.CreditAccount,
			Amount:        line.Amount,
			Description:   line.Description,
		})
	}
	return policy.Proposal{Lines: lines, Confidence: p.Confidence}
}

// Approval resolves a proposal. At most one active approval exists per
// proposal; once resolved it never reopens.
type Approval struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ProposalID uuid.UUID
	Status     ApprovalStatus
	Reviewer   string
	Note       string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
