package proposals

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/coa"
	"github.com/ledgerline/ledgerline/internal/documents"
	"github.com/ledgerline/ledgerline/internal/policy"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// LedgerPoster posts an approved proposal into the ledger. Implemented by
// the ledger service; declared here so approval can trigger posting without
// this package depending on ledger internals.
type LedgerPoster interface {
	PostFromApproval(ctx context.Context, approvalID uuid.UUID) error
}

// Service runs the submit/approve/reject lifecycle around proposals.
type Service struct {
	repo        Repository
	engine      *policy.Engine
	registry    coa.Registry
	poster      LedgerPoster
	logger      *slog.Logger
	retryWindow time.Duration
	now         func() time.Time
}

// NewService constructs the proposals service.
func NewService(repo Repository, engine *policy.Engine, registry coa.Registry, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		engine:      engine,
		registry:    registry,
		logger:      logger,
		retryWindow: 5 * time.Minute,
		now:         time.Now,
	}
}

// SetPoster wires the ledger poster after construction, breaking the
// ledger/proposals construction cycle.
func (s *Service) SetPoster(poster LedgerPoster) {
	s.poster = poster
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create stores a proposal arriving from the upstream coding agent.
func (s *Service) Create(ctx context.Context, input CreateProposalInput) (Proposal, error) {
	if len(input.Lines) == 0 {
		return Proposal{}, &shared.ValidationError{Issues: []string{"proposal requires at least one entry line"}}
	}
	if input.Confidence < 0 || input.Confidence > 1 {
		return Proposal{}, &shared.ValidationError{Issues: []string{"confidence must be within [0,1]"}}
	}
	return s.repo.CreateProposal(ctx, input)
}

// Get returns a proposal with its lines.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Proposal, error) {
	return s.repo.GetProposal(ctx, id)
}

// ListByDocument returns a document's proposals.
func (s *Service) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Proposal, error) {
	return s.repo.ListByDocument(ctx, documentID)
}

// ListApprovals returns a document's approval history.
func (s *Service) ListApprovals(ctx context.Context, documentID uuid.UUID) ([]Approval, error) {
	return s.repo.ListApprovalsByDocument(ctx, documentID)
}

// Evaluate runs the policy engine against a stored proposal without side
// effects, for callers previewing a verdict.
func (s *Service) Evaluate(ctx context.Context, proposalID uuid.UUID, actor shared.Actor) (policy.Verdict, error) {
	proposal, err := s.repo.GetProposal(ctx, proposalID)
	if err != nil {
		return policy.Verdict{}, err
	}
	accounts, err := s.accountSnapshot(ctx)
	if err != nil {
		return policy.Verdict{}, err
	}
	return s.engine.Evaluate(proposal.PolicyInput(), accounts, policy.Actor{ID: actor.ID, Role: actor.Role}), nil
}

// SubmitResult reports a successful submission.
type SubmitResult struct {
	Approval Approval
	Verdict  policy.Verdict
	Document documents.Document
}

// Submit validates the proposal and, when the policy engine allows it, opens
// a pending approval and moves the document to pending_approval. A denied
// proposal returns the complete issue list in one error.
func (s *Service) Submit(ctx context.Context, documentID, proposalID uuid.UUID, actor shared.Actor) (SubmitResult, error) {
	accounts, err := s.accountSnapshot(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	var result SubmitResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		proposal, err := tx.GetProposalForUpdate(ctx, proposalID)
		if err != nil {
			return err
		}
		if proposal.DocumentID != documentID {
			return &shared.ValidationError{Issues: []string{"proposal does not belong to the document"}}
		}
		if proposal.Status != ProposalDraft {
			return &shared.TransitionError{DocumentID: proposalID, From: string(proposal.Status), Event: string(ProposalPending)}
		}
		verdict := s.engine.Evaluate(proposal.PolicyInput(), accounts, policy.Actor{ID: actor.ID, Role: actor.Role})
		if !verdict.Allow {
			return &shared.ValidationError{Issues: verdict.Issues}
		}
		active, err := tx.HasActiveApproval(ctx, proposalID)
		if err != nil {
			return err
		}
		if active {
			return &shared.ValidationError{Issues: []string{"proposal already has an active approval"}}
		}
		approval, err := tx.CreateApproval(ctx, Approval{DocumentID: documentID, ProposalID: proposalID})
		if err != nil {
			return err
		}
		if err := tx.UpdateProposalStatus(ctx, proposalID, ProposalDraft, ProposalPending); err != nil {
			return err
		}
		doc, err := documents.ApplyTransition(ctx, tx.Documents(), documentID, documents.EventSubmit, actor, s.now(), s.retryWindow)
		if err != nil {
			return err
		}
		result = SubmitResult{Approval: approval, Verdict: verdict, Document: doc}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// Approve resolves a pending approval and triggers ledger posting. Exactly
// one of two concurrent approve/reject calls wins; the loser receives an
// invalid transition error.
func (s *Service) Approve(ctx context.Context, approvalID uuid.UUID, actor shared.Actor, note string) (Approval, error) {
	accounts, err := s.accountSnapshot(ctx)
	if err != nil {
		return Approval{}, err
	}
	var resolved Approval
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		approval, err := tx.GetApprovalForUpdate(ctx, approvalID)
		if err != nil {
			return err
		}
		if approval.Status != ApprovalPending {
			return &shared.TransitionError{DocumentID: approvalID, From: string(approval.Status), Event: string(ApprovalApproved)}
		}
		proposal, err := tx.GetProposalForUpdate(ctx, approval.ProposalID)
		if err != nil {
			return err
		}
		verdict := s.engine.Evaluate(proposal.PolicyInput(), accounts, policy.Actor{ID: actor.ID, Role: actor.Role})
		if !verdict.UserCanApprove {
			return &shared.AuthorizationError{ActorID: actor.ID, Action: "approve proposals"}
		}
		resolved, err = tx.ResolveApproval(ctx, approvalID, ApprovalApproved, actor.ID, note, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateProposalStatus(ctx, approval.ProposalID, ProposalPending, ProposalApproved); err != nil {
			return err
		}
		_, err = documents.ApplyTransition(ctx, tx.Documents(), approval.DocumentID, documents.EventApprove, actor, s.now(), s.retryWindow)
		return err
	})
	if err != nil {
		return Approval{}, err
	}
	if s.poster != nil {
		if err := s.poster.PostFromApproval(ctx, approvalID); err != nil {
			// The poster has already parked the document in posting_failed
			// when the conflict is a policy denial; surface the error as-is.
			return resolved, err
		}
	}
	return resolved, nil
}

// Reject resolves a pending approval as rejected. The document leaves the
// primary flow; resubmission requires a fresh proposal.
func (s *Service) Reject(ctx context.Context, approvalID uuid.UUID, actor shared.Actor, reason string) (Approval, error) {
	if reason == "" {
		return Approval{}, &shared.ValidationError{Issues: []string{"rejection reason required"}}
	}
	accounts, err := s.accountSnapshot(ctx)
	if err != nil {
		return Approval{}, err
	}
	var resolved Approval
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		approval, err := tx.GetApprovalForUpdate(ctx, approvalID)
		if err != nil {
			return err
		}
		if approval.Status != ApprovalPending {
			return &shared.TransitionError{DocumentID: approvalID, From: string(approval.Status), Event: string(ApprovalRejected)}
		}
		proposal, err := tx.GetProposalForUpdate(ctx, approval.ProposalID)
		if err != nil {
			return err
		}
		verdict := s.engine.Evaluate(proposal.PolicyInput(), accounts, policy.Actor{ID: actor.ID, Role: actor.Role})
		if !verdict.UserCanApprove {
			return &shared.AuthorizationError{ActorID: actor.ID, Action: "reject proposals"}
		}
		resolved, err = tx.ResolveApproval(ctx, approvalID, ApprovalRejected, actor.ID, reason, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateProposalStatus(ctx, approval.ProposalID, ProposalPending, ProposalRejected); err != nil {
			return err
		}
		_, err = documents.ApplyTransition(ctx, tx.Documents(), approval.DocumentID, documents.EventReject, actor, s.now(), s.retryWindow)
		return err
	})
	if err != nil {
		return Approval{}, err
	}
	return resolved, nil
}

func (s *Service) accountSnapshot(ctx context.Context) (policy.AccountSet, error) {
	codes, err := s.registry.Codes(ctx)
	if err != nil {
		return nil, err
	}
	return policy.NewCodeSet(codes), nil
}
