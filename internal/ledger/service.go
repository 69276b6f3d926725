package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/audit"
	"github.com/ledgerline/ledgerline/internal/coa"
	"github.com/ledgerline/ledgerline/internal/documents"
	"github.com/ledgerline/ledgerline/internal/outbox"
	"github.com/ledgerline/ledgerline/internal/policy"
	"github.com/ledgerline/ledgerline/internal/proposals"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// idempotencyGuard is the slice of the shared store the posting path needs.
type idempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service posts approved proposals and reverses posted groups.
type Service struct {
	repo        Repository
	engine      *policy.Engine
	registry    coa.Registry
	logger      *slog.Logger
	idempotency idempotencyGuard
	retryWindow time.Duration
	now         func() time.Time
}

// NewService constructs the posting service.
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

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithIdempotencyStore guards posting against retried deliveries of the same
// approval.
func (s *Service) WithIdempotencyStore(store *shared.IdempotencyStore) {
	if store != nil {
		s.idempotency = store
	}
}

// PostFromApproval satisfies proposals.LedgerPoster.
func (s *Service) PostFromApproval(ctx context.Context, approvalID uuid.UUID) error {
	_, err := s.Post(ctx, approvalID)
	return err
}

// Post turns the approved proposal behind approvalID into ledger rows. The
// policy verdict is re-computed against the current registry, never trusted
// from approval time. Entries, the journal number, the document's posted
// status, and the outbox event all commit in one transaction; a denial
// commits the posting_failed transition with the reasons on record and then
// reports the conflict.
func (s *Service) Post(ctx context.Context, approvalID uuid.UUID) ([]Entry, error) {
	accounts, err := s.accountSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	actor := shared.ActorFromContext(ctx)

	idemKey := fmt.Sprintf("post:%s", approvalID)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "ledger.post"); err != nil {
			return nil, err
		}
		insertedKey = true
	}

	var entries []Entry
	var denial []string
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		approval, err := tx.GetApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if approval.Status != proposals.ApprovalApproved {
			return &shared.ValidationError{Issues: []string{fmt.Sprintf("approval %s is %s, not approved", approvalID, approval.Status)}}
		}
		proposal, err := tx.GetProposalWithLines(ctx, approval.ProposalID)
		if err != nil {
			return err
		}
		verdict := s.engine.Evaluate(proposal.PolicyInput(), accounts, policy.Actor{ID: actor.ID, Role: actor.Role})
		if !verdict.Allow {
			denial = verdict.Issues
			return s.recordDenial(ctx, tx, approval, verdict, actor)
		}

		postedAt := s.now().UTC()
		seq, err := tx.NextJournalSequence(ctx, postedAt)
		if err != nil {
			return err
		}
		proposalID := proposal.ID
		group := Group{
			ID:            uuid.New(),
			DocumentID:    approval.DocumentID,
			ProposalID:    &proposalID,
			JournalNumber: JournalNumber(postedAt, seq),
			PostedAt:      postedAt,
		}
		if err := tx.InsertGroup(ctx, group); err != nil {
			return err
		}
		entries = expandLines(group, proposal.Lines)
		if err := tx.InsertEntries(ctx, entries); err != nil {
			return err
		}
		doc, err := documents.ApplyTransition(ctx, tx.Documents(), approval.DocumentID, documents.EventPost, actor, s.now(), s.retryWindow)
		if err != nil {
			return err
		}
		return s.appendPostedEffects(ctx, tx, doc, group, actor)
	})
	if err != nil {
		// Nothing committed; release the key so the caller may retry.
		if insertedKey {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return nil, err
	}
	if denial != nil {
		return nil, fmt.Errorf("%w: %s", shared.ErrPostingConflict, strings.Join(denial, "; "))
	}
	return entries, nil
}

// recordDenial parks the document in posting_failed and records why. The
// transaction commits: the failure itself is a durable state change.
func (s *Service) recordDenial(ctx context.Context, tx TxRepository, approval proposals.Approval, verdict policy.Verdict, actor shared.Actor) error {
	doc, err := documents.ApplyTransition(ctx, tx.Documents(), approval.DocumentID, documents.EventPostingFailed, actor, s.now(), s.retryWindow)
	if err != nil {
		return err
	}
	record := audit.Record{
		ID:             uuid.New(),
		DocumentID:     doc.ID,
		Action:         "posting_denied",
		Actor:          actor.ID,
		OldState:       string(documents.StatusApproved),
		NewState:       string(doc.Status),
		TraceID:        shared.TraceIDFromContext(ctx),
		Detail:         strings.Join(verdict.Issues, "; "),
		IdempotencyKey: outbox.IdempotencyKey(doc.ID, "posting.denied", doc.Version),
		OccurredAt:     s.now().UTC(),
	}
	return tx.AppendAudit(ctx, record)
}

func (s *Service) appendPostedEffects(ctx context.Context, tx TxRepository, doc documents.Document, group Group, actor shared.Actor) error {
	record := audit.Record{
		ID:             uuid.New(),
		DocumentID:     doc.ID,
		Action:         outbox.EventLedgerPosted,
		Actor:          actor.ID,
		OldState:       string(documents.StatusApproved),
		NewState:       string(doc.Status),
		TraceID:        shared.TraceIDFromContext(ctx),
		Detail:         group.JournalNumber,
		IdempotencyKey: outbox.IdempotencyKey(doc.ID, outbox.EventLedgerPosted, doc.Version),
		OccurredAt:     s.now().UTC(),
	}
	if err := tx.AppendAudit(ctx, record); err != nil {
		return err
	}
	event, err := outbox.NewEvent(doc.ID, outbox.EventLedgerPosted, doc.Version, record)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, event)
}

// Rollback reverses a posted group by inserting swapped rows. The originals
// stay untouched; the net balance effect per account is zero.
func (s *Service) Rollback(ctx context.Context, groupID uuid.UUID, reason string) ([]Entry, error) {
	actor := shared.ActorFromContext(ctx)
	var reversals []Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetGroupForUpdate(ctx, groupID)
		if err != nil {
			return err
		}
		reversed, err := tx.HasReversal(ctx, groupID)
		if err != nil {
			return err
		}
		if reversed {
			return shared.ErrAlreadyReversed
		}
		originals, err := tx.EntriesForGroup(ctx, groupID)
		if err != nil {
			return err
		}
		postedAt := s.now().UTC()
		seq, err := tx.NextJournalSequence(ctx, postedAt)
		if err != nil {
			return err
		}
		originalID := original.ID
		group := Group{
			ID:            uuid.New(),
			DocumentID:    original.DocumentID,
			JournalNumber: JournalNumber(postedAt, seq),
			PostedAt:      postedAt,
			ReversalOf:    &originalID,
		}
		if err := tx.InsertGroup(ctx, group); err != nil {
			return err
		}
		reversals = reverseEntries(group, originals)
		if err := tx.InsertEntries(ctx, reversals); err != nil {
			return err
		}
		return s.appendRollbackEffects(ctx, tx, original, group, actor, reason, seq)
	})
	if err != nil {
		return nil, err
	}
	return reversals, nil
}

func (s *Service) appendRollbackEffects(ctx context.Context, tx TxRepository, original, reversal Group, actor shared.Actor, reason string, seq int64) error {
	// Rollback does not move the document, so the day-scoped sequence keys
	// the event instead of the document version. The day gets six digits of
	// headroom so no sequence can spill into the next day's range.
	day, _ := strconv.ParseInt(reversal.PostedAt.Format("20060102"), 10, 64)
	causal := day*1_000_000 + seq
	detail := fmt.Sprintf("%s reverses %s", reversal.JournalNumber, original.JournalNumber)
	if reason != "" {
		detail += ": " + reason
	}
	record := audit.Record{
		ID:             uuid.New(),
		DocumentID:     original.DocumentID,
		Action:         outbox.EventLedgerRolledBack,
		Actor:          actor.ID,
		OldState:       string(documents.StatusPosted),
		NewState:       string(documents.StatusPosted),
		TraceID:        shared.TraceIDFromContext(ctx),
		Detail:         detail,
		IdempotencyKey: outbox.IdempotencyKey(original.DocumentID, outbox.EventLedgerRolledBack, causal),
		OccurredAt:     s.now().UTC(),
	}
	if err := tx.AppendAudit(ctx, record); err != nil {
		return err
	}
	event, err := outbox.NewEvent(original.DocumentID, outbox.EventLedgerRolledBack, causal, record)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, event)
}

// LedgerForDocument returns every entry posted for the document.
func (s *Service) LedgerForDocument(ctx context.Context, documentID uuid.UUID) ([]Entry, error) {
	return s.repo.EntriesForDocument(ctx, documentID)
}

// GroupsForDocument returns the document's posting groups.
func (s *Service) GroupsForDocument(ctx context.Context, documentID uuid.UUID) ([]Group, error) {
	return s.repo.GroupsForDocument(ctx, documentID)
}

func (s *Service) accountSnapshot(ctx context.Context) (policy.AccountSet, error) {
	codes, err := s.registry.Codes(ctx)
	if err != nil {
		return nil, err
	}
	return policy.NewCodeSet(codes), nil
}
