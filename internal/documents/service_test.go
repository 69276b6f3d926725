package documents

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/audit"
	"github.com/ledgerline/ledgerline/internal/outbox"
	"github.com/ledgerline/ledgerline/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	docs   map[uuid.UUID]*Document
	audits []audit.Record
	events []outbox.Event
	now    func() time.Time

	// Dependent rows keyed the way the tables are: entries belong to groups,
	// groups and the rest hang off the document.
	groups    map[uuid.UUID]uuid.UUID // group id -> document id
	entries   map[uuid.UUID]uuid.UUID // entry id -> group id
	proposals map[uuid.UUID]uuid.UUID // proposal id -> document id
	lines     map[uuid.UUID]uuid.UUID // line id -> proposal id
	approvals map[uuid.UUID]uuid.UUID // approval id -> document id
	fields    map[uuid.UUID]uuid.UUID // field id -> document id
	auditRows map[uuid.UUID]uuid.UUID // audit row id -> document id
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		docs:      map[uuid.UUID]*Document{},
		now:       func() time.Time { return time.Now().UTC() },
		groups:    map[uuid.UUID]uuid.UUID{},
		entries:   map[uuid.UUID]uuid.UUID{},
		proposals: map[uuid.UUID]uuid.UUID{},
		lines:     map[uuid.UUID]uuid.UUID{},
		approvals: map[uuid.UUID]uuid.UUID{},
		fields:    map[uuid.UUID]uuid.UUID{},
		auditRows: map[uuid.UUID]uuid.UUID{},
	}
}

func (m *memoryRepo) Create(_ context.Context, docType DocumentType) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := Document{
		ID:        uuid.New(),
		Type:      docType,
		Status:    StatusNew,
		Version:   1,
		CreatedAt: m.now(),
		UpdatedAt: m.now(),
	}
	m.docs[doc.ID] = &doc
	return doc, nil
}

func (m *memoryRepo) Get(_ context.Context, id uuid.UUID) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return Document{}, shared.ErrNotFound
	}
	return *doc, nil
}

func (m *memoryRepo) List(_ context.Context, limit, offset int) ([]Document, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]Document, 0, len(m.docs))
	for _, doc := range m.docs {
		all = append(all, *doc)
	}
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// WithTx serialises callers on the repo mutex, which stands in for row locks.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memoryTx{repo: m})
}

type memoryTx struct {
	repo *memoryRepo
}

func (m *memoryTx) GetForUpdate(_ context.Context, id uuid.UUID) (Document, error) {
	doc, ok := m.repo.docs[id]
	if !ok {
		return Document{}, shared.ErrNotFound
	}
	return *doc, nil
}

func (m *memoryTx) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (Document, error) {
	doc, ok := m.repo.docs[id]
	if !ok {
		return Document{}, shared.ErrNotFound
	}
	if doc.Status != from {
		return Document{}, &shared.TransitionError{DocumentID: id, From: string(doc.Status), Event: string(to)}
	}
	doc.Status = to
	doc.Version++
	doc.UpdatedAt = m.repo.now()
	return *doc, nil
}

func (m *memoryTx) AppendAudit(_ context.Context, record audit.Record) error {
	m.repo.audits = append(m.repo.audits, record)
	return nil
}

func (m *memoryTx) AppendEvent(_ context.Context, event outbox.Event) error {
	m.repo.events = append(m.repo.events, event)
	return nil
}

func (m *memoryTx) DeleteCascade(_ context.Context, id uuid.UUID) (CascadeCounts, error) {
	if _, ok := m.repo.docs[id]; !ok {
		return CascadeCounts{}, shared.ErrNotFound
	}
	var counts CascadeCounts
	r := m.repo

	docGroups := map[uuid.UUID]bool{}
	for groupID, docID := range r.groups {
		if docID == id {
			docGroups[groupID] = true
		}
	}
	for entryID, groupID := range r.entries {
		if docGroups[groupID] {
			delete(r.entries, entryID)
			counts.LedgerEntries++
		}
	}
	for groupID := range docGroups {
		delete(r.groups, groupID)
		counts.LedgerGroups++
	}

	docProposals := map[uuid.UUID]bool{}
	for proposalID, docID := range r.proposals {
		if docID == id {
			docProposals[proposalID] = true
		}
	}
	for lineID, proposalID := range r.lines {
		if docProposals[proposalID] {
			delete(r.lines, lineID)
			counts.ProposalLines++
		}
	}
	for approvalID, docID := range r.approvals {
		if docID == id {
			delete(r.approvals, approvalID)
			counts.Approvals++
		}
	}
	for proposalID := range docProposals {
		delete(r.proposals, proposalID)
		counts.Proposals++
	}
	for fieldID, docID := range r.fields {
		if docID == id {
			delete(r.fields, fieldID)
			counts.ExtractedFields++
		}
	}
	for rowID, docID := range r.auditRows {
		if docID == id {
			delete(r.auditRows, rowID)
			counts.AuditEvents++
		}
	}

	delete(r.docs, id)
	return counts, nil
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, slog.New(slog.DiscardHandler))
}

func testActor() shared.Actor {
	return shared.Actor{ID: "user-1", Role: "accountant"}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	_, err := svc.Create(context.Background(), DocumentType("napkin"))
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTransitionWritesStatusAuditAndEvent(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeInvoice)
	require.NoError(t, err)

	updated, err := svc.Transition(ctx, doc.ID, EventStartExtraction, testActor())
	require.NoError(t, err)
	require.Equal(t, StatusExtracting, updated.Status)
	require.Equal(t, int64(2), updated.Version)

	require.Len(t, repo.audits, 1)
	require.Equal(t, string(EventStartExtraction), repo.audits[0].Action)
	require.Equal(t, string(StatusNew), repo.audits[0].OldState)
	require.Equal(t, string(StatusExtracting), repo.audits[0].NewState)

	require.Len(t, repo.events, 1)
	require.Equal(t, outbox.EventDocumentTransitioned, repo.events[0].EventType)
	require.Equal(t, repo.audits[0].IdempotencyKey, repo.events[0].IdempotencyKey)
}

func TestTransitionIllegalEdge(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeReceipt)
	require.NoError(t, err)

	_, err = svc.Transition(ctx, doc.ID, EventApprove, testActor())
	var terr *shared.TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, string(StatusNew), terr.From)
	require.Empty(t, repo.audits)
	require.Empty(t, repo.events)
}

func TestTransitionUnknownDocument(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	_, err := svc.Transition(context.Background(), uuid.New(), EventStartExtraction, testActor())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRetriedDeliveryInsideWindowIsNoOp(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeInvoice)
	require.NoError(t, err)
	first, err := svc.Transition(ctx, doc.ID, EventStartExtraction, testActor())
	require.NoError(t, err)

	// Same event again, target state already holds: swallowed, no new effects.
	again, err := svc.Transition(ctx, doc.ID, EventStartExtraction, testActor())
	require.NoError(t, err)
	require.Equal(t, first.Version, again.Version)
	require.Len(t, repo.audits, 1)
	require.Len(t, repo.events, 1)
}

func TestRetriedDeliveryOutsideWindowFails(t *testing.T) {
	repo := newMemoryRepo()
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }
	svc := newTestService(repo)
	svc.WithNow(func() time.Time { return clock })
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeInvoice)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, doc.ID, EventStartExtraction, testActor())
	require.NoError(t, err)

	clock = clock.Add(10 * time.Minute)
	_, err = svc.Transition(ctx, doc.ID, EventStartExtraction, testActor())
	var terr *shared.TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeInvoice)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Transition(ctx, doc.ID, EventStartExtraction, testActor())
		}()
	}
	wg.Wait()

	// Losers were absorbed as duplicate deliveries; the effects fired once.
	final, err := svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExtracting, final.Status)
	require.Equal(t, int64(2), final.Version)
	require.Len(t, repo.audits, 1)
	require.Len(t, repo.events, 1)
}

func TestDeleteGuardsInFlightDocuments(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeInvoice)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, doc.ID, EventStartExtraction, testActor())
	require.NoError(t, err)

	_, err = svc.Delete(ctx, doc.ID, false, testActor())
	var gerr *shared.DeleteGuardError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, string(StatusExtracting), gerr.Status)

	// Still there.
	_, err = svc.Get(ctx, doc.ID)
	require.NoError(t, err)
}

// seedCascadeRows attaches the full dependency chain to doc: a proposal with
// two lines, an approval, a posting group and a proposal-less reversal group
// with two entries each, an extracted field, and two audit rows.
func seedCascadeRows(repo *memoryRepo, docID uuid.UUID) {
	proposalID := uuid.New()
	repo.proposals[proposalID] = docID
	repo.lines[uuid.New()] = proposalID
	repo.lines[uuid.New()] = proposalID
	repo.approvals[uuid.New()] = docID

	postingGroup := uuid.New()
	reversalGroup := uuid.New()
	repo.groups[postingGroup] = docID
	repo.groups[reversalGroup] = docID
	repo.entries[uuid.New()] = postingGroup
	repo.entries[uuid.New()] = postingGroup
	repo.entries[uuid.New()] = reversalGroup
	repo.entries[uuid.New()] = reversalGroup

	repo.fields[uuid.New()] = docID
	repo.auditRows[uuid.New()] = docID
	repo.auditRows[uuid.New()] = docID
}

func TestDeleteConfirmedCascadesAndRecordsEvent(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeInvoice)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, doc.ID, EventStartExtraction, testActor())
	require.NoError(t, err)
	seedCascadeRows(repo, doc.ID)

	counts, err := svc.Delete(ctx, doc.ID, true, testActor())
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Proposals)
	require.Equal(t, int64(2), counts.ProposalLines)
	require.Equal(t, int64(2), counts.AuditEvents)

	_, err = svc.Get(ctx, doc.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	var deleted bool
	for _, event := range repo.events {
		if event.EventType == outbox.EventDocumentDeleted {
			deleted = true
		}
	}
	require.True(t, deleted, "expected a document.deleted event")
}

func TestDeleteRemovesLedgerGroupsAndEntriesByGroup(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeInvoice)
	require.NoError(t, err)
	seedCascadeRows(repo, doc.ID)

	// A sibling document's ledger rows must survive the cascade.
	other, err := svc.Create(ctx, TypeReceipt)
	require.NoError(t, err)
	seedCascadeRows(repo, other.ID)

	counts, err := svc.Delete(ctx, doc.ID, true, testActor())
	require.NoError(t, err)

	// Both groups go, the reversal group included even though it carries no
	// proposal, and every entry goes with its group.
	require.Equal(t, int64(2), counts.LedgerGroups)
	require.Equal(t, int64(4), counts.LedgerEntries)

	for _, docID := range repo.groups {
		require.Equal(t, other.ID, docID)
	}
	require.Len(t, repo.groups, 2)
	require.Len(t, repo.entries, 4)
}

func TestDeleteIdleDocumentWithoutConfirm(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	doc, err := svc.Create(ctx, TypeOther)
	require.NoError(t, err)
	_, err = svc.Delete(ctx, doc.ID, false, testActor())
	require.NoError(t, err)
}
