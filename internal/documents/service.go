package documents

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/audit"
	"github.com/ledgerline/ledgerline/internal/outbox"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// defaultRetryWindow bounds how long a repeated (document, target state)
// delivery is treated as a duplicate instead of a transition violation.
const defaultRetryWindow = 5 * time.Minute

// Service runs the document lifecycle state machine.
type Service struct {
	repo        Repository
	logger      *slog.Logger
	retryWindow time.Duration
	now         func() time.Time
}

// NewService constructs the lifecycle service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, retryWindow: defaultRetryWindow, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithRetryWindow overrides the duplicate-delivery window.
func (s *Service) WithRetryWindow(window time.Duration) {
	if window > 0 {
		s.retryWindow = window
	}
}

// Create registers a new document in state new. Invoked by the upstream
// ingestion collaborator.
func (s *Service) Create(ctx context.Context, docType DocumentType) (Document, error) {
	switch docType {
	case TypeInvoice, TypeReceipt, TypeBankStatement, TypeContract, TypePaymentVoucher, TypeOther:
	default:
		return Document{}, &shared.ValidationError{Issues: []string{"unknown document type " + string(docType)}}
	}
	return s.repo.Create(ctx, docType)
}

// Get returns the document.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	return s.repo.Get(ctx, id)
}

// List returns documents with pagination metadata.
func (s *Service) List(ctx context.Context, page, perPage int) ([]Document, shared.Pagination, error) {
	page, perPage = shared.NormalizePage(page, perPage)
	docs, total, err := s.repo.List(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return docs, shared.NewPagination(page, perPage, total), nil
}

// Transition applies event to the document. On success it writes the status,
// one audit record, and one outbox event in a single transaction. A repeated
// delivery whose target state already holds within the retry window returns
// the document unchanged without re-firing downstream effects.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, event Event, actor shared.Actor) (Document, error) {
	var updated Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		updated, err = ApplyTransition(ctx, tx, id, event, actor, s.now(), s.retryWindow)
		return err
	})
	if err != nil {
		return Document{}, err
	}
	return updated, nil
}

// ApplyTransition validates and applies event inside an existing transaction,
// writing the audit record and outbox event alongside the status change.
// Services that must move a document atomically with their own writes (the
// approval flow, the ledger poster) call this against their transaction.
func ApplyTransition(ctx context.Context, tx TxRepository, id uuid.UUID, event Event, actor shared.Actor, now time.Time, retryWindow time.Duration) (Document, error) {
	doc, err := tx.GetForUpdate(ctx, id)
	if err != nil {
		return Document{}, err
	}
	target, ok := Next(doc.Status, event)
	if !ok {
		if LeadsTo(event, doc.Status) && now.Sub(doc.UpdatedAt) <= retryWindow {
			return doc, nil
		}
		return Document{}, &shared.TransitionError{DocumentID: id, From: string(doc.Status), Event: string(event)}
	}
	updated, err := tx.UpdateStatus(ctx, id, doc.Status, target)
	if err != nil {
		return Document{}, err
	}
	record := audit.Record{
		ID:             uuid.New(),
		DocumentID:     updated.ID,
		Action:         string(event),
		Actor:          actor.ID,
		OldState:       string(doc.Status),
		NewState:       string(updated.Status),
		TraceID:        shared.TraceIDFromContext(ctx),
		IdempotencyKey: outbox.IdempotencyKey(updated.ID, outbox.EventDocumentTransitioned, updated.Version),
		OccurredAt:     now.UTC(),
	}
	if err := tx.AppendAudit(ctx, record); err != nil {
		return Document{}, err
	}
	evt, err := outbox.NewEvent(updated.ID, outbox.EventDocumentTransitioned, updated.Version, record)
	if err != nil {
		return Document{}, err
	}
	if err := tx.AppendEvent(ctx, evt); err != nil {
		return Document{}, err
	}
	return updated, nil
}

// Delete cascades the document and its dependents bottom-up. Documents that
// are mid-pipeline or posted are only removed with confirm set.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, confirm bool, actor shared.Actor) (CascadeCounts, error) {
	var counts CascadeCounts
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if doc.Status.InFlight() && !confirm {
			return &shared.DeleteGuardError{DocumentID: id, Status: string(doc.Status)}
		}
		counts, err = tx.DeleteCascade(ctx, id)
		if err != nil {
			return err
		}
		// The cascade removed the document's evidence; record the deletion
		// itself so the action is still durably observed.
		record := audit.Record{
			ID:             uuid.New(),
			DocumentID:     doc.ID,
			Action:         "delete",
			Actor:          actor.ID,
			OldState:       string(doc.Status),
			NewState:       "",
			TraceID:        shared.TraceIDFromContext(ctx),
			IdempotencyKey: outbox.IdempotencyKey(doc.ID, outbox.EventDocumentDeleted, doc.Version+1),
			OccurredAt:     s.now().UTC(),
		}
		evt, err := outbox.NewEvent(doc.ID, outbox.EventDocumentDeleted, doc.Version+1, record)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return CascadeCounts{}, err
	}
	s.logger.Info("document deleted",
		slog.String("document_id", id.String()),
		slog.String("actor", actor.ID),
		slog.Int64("ledger_entries", counts.LedgerEntries),
		slog.Int64("proposals", counts.Proposals))
	return counts, nil
}
