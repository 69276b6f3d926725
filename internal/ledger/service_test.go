package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/audit"
	"github.com/ledgerline/ledgerline/internal/coa"
	"github.com/ledgerline/ledgerline/internal/documents"
	"github.com/ledgerline/ledgerline/internal/outbox"
	"github.com/ledgerline/ledgerline/internal/policy"
	"github.com/ledgerline/ledgerline/internal/proposals"
	"github.com/ledgerline/ledgerline/internal/shared"
)

type memoryDocsTx struct {
	docs   map[uuid.UUID]*documents.Document
	audits *[]audit.Record
	events *[]outbox.Event
}

func (m *memoryDocsTx) GetForUpdate(_ context.Context, id uuid.UUID) (documents.Document, error) {
	doc, ok := m.docs[id]
	if !ok {
		return documents.Document{}, shared.ErrNotFound
	}
	return *doc, nil
}

func (m *memoryDocsTx) UpdateStatus(_ context.Context, id uuid.UUID, from, to documents.Status) (documents.Document, error) {
	doc, ok := m.docs[id]
	if !ok || doc.Status != from {
		return documents.Document{}, shared.ErrNotFound
	}
	doc.Status = to
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	return *doc, nil
}

func (m *memoryDocsTx) AppendAudit(_ context.Context, record audit.Record) error {
	*m.audits = append(*m.audits, record)
	return nil
}

func (m *memoryDocsTx) AppendEvent(_ context.Context, event outbox.Event) error {
	*m.events = append(*m.events, event)
	return nil
}

func (m *memoryDocsTx) DeleteCascade(_ context.Context, id uuid.UUID) (documents.CascadeCounts, error) {
	delete(m.docs, id)
	return documents.CascadeCounts{}, nil
}

type memoryLedgerRepo struct {
	docs      map[uuid.UUID]*documents.Document
	approvals map[uuid.UUID]proposals.Approval
	proposals map[uuid.UUID]proposals.Proposal
	groups    map[uuid.UUID]Group
	entries   map[uuid.UUID][]Entry
	seq       map[string]int64
	audits    []audit.Record
	events    []outbox.Event
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{
		docs:      map[uuid.UUID]*documents.Document{},
		approvals: map[uuid.UUID]proposals.Approval{},
		proposals: map[uuid.UUID]proposals.Proposal{},
		groups:    map[uuid.UUID]Group{},
		entries:   map[uuid.UUID][]Entry{},
		seq:       map[string]int64{},
	}
}

func (m *memoryLedgerRepo) EntriesForDocument(_ context.Context, documentID uuid.UUID) ([]Entry, error) {
	var out []Entry
	for id, group := range m.groups {
		if group.DocumentID == documentID {
			out = append(out, m.entries[id]...)
		}
	}
	return out, nil
}

func (m *memoryLedgerRepo) GetGroup(_ context.Context, id uuid.UUID) (Group, error) {
	group, ok := m.groups[id]
	if !ok {
		return Group{}, shared.ErrNotFound
	}
	return group, nil
}

func (m *memoryLedgerRepo) GroupsForDocument(_ context.Context, documentID uuid.UUID) ([]Group, error) {
	var out []Group
	for _, group := range m.groups {
		if group.DocumentID == documentID {
			out = append(out, group)
		}
	}
	return out, nil
}

func (m *memoryLedgerRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryLedgerTx{repo: m})
}

type memoryLedgerTx struct {
	repo *memoryLedgerRepo
}

func (m *memoryLedgerTx) Documents() documents.TxRepository {
	return &memoryDocsTx{docs: m.repo.docs, audits: &m.repo.audits, events: &m.repo.events}
}

func (m *memoryLedgerTx) GetApproval(_ context.Context, id uuid.UUID) (proposals.Approval, error) {
	approval, ok := m.repo.approvals[id]
	if !ok {
		return proposals.Approval{}, shared.ErrNotFound
	}
	return approval, nil
}

func (m *memoryLedgerTx) GetProposalWithLines(_ context.Context, id uuid.UUID) (proposals.Proposal, error) {
	proposal, ok := m.repo.proposals[id]
	if !ok {
		return proposals.Proposal{}, shared.ErrNotFound
	}
	return proposal, nil
}

func (m *memoryLedgerTx) NextJournalSequence(_ context.Context, day time.Time) (int64, error) {
	key := day.Format("20060102")
	m.repo.seq[key]++
	return m.repo.seq[key], nil
}

func (m *memoryLedgerTx) InsertGroup(_ context.Context, group Group) error {
	if group.ProposalID != nil {
		for _, existing := range m.repo.groups {
			if existing.ProposalID != nil && *existing.ProposalID == *group.ProposalID {
				return shared.ErrPostingConflict
			}
		}
	}
	m.repo.groups[group.ID] = group
	return nil
}

func (m *memoryLedgerTx) InsertEntries(_ context.Context, entries []Entry) error {
	for _, entry := range entries {
		m.repo.entries[entry.GroupID] = append(m.repo.entries[entry.GroupID], entry)
	}
	return nil
}

func (m *memoryLedgerTx) GetGroupForUpdate(_ context.Context, id uuid.UUID) (Group, error) {
	group, ok := m.repo.groups[id]
	if !ok {
		return Group{}, shared.ErrNotFound
	}
	return group, nil
}

func (m *memoryLedgerTx) EntriesForGroup(_ context.Context, groupID uuid.UUID) ([]Entry, error) {
	return m.repo.entries[groupID], nil
}

func (m *memoryLedgerTx) HasReversal(_ context.Context, groupID uuid.UUID) (bool, error) {
	for _, group := range m.repo.groups {
		if group.ReversalOf != nil && *group.ReversalOf == groupID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryLedgerTx) AppendAudit(_ context.Context, record audit.Record) error {
	m.repo.audits = append(m.repo.audits, record)
	return nil
}

func (m *memoryLedgerTx) AppendEvent(_ context.Context, event outbox.Event) error {
	m.repo.events = append(m.repo.events, event)
	return nil
}

func testRegistry() *coa.StaticRegistry {
	return coa.NewStaticRegistryFromPartitions(map[coa.AccountCategory][]string{
		coa.CategoryAsset:   {"1000", "1100"},
		coa.CategoryExpense: {"5000"},
		coa.CategoryRevenue: {"4000"},
	})
}

func seedApprovedProposal(repo *memoryLedgerRepo, amount float64) (uuid.UUID, uuid.UUID) {
	docID := uuid.New()
	repo.docs[docID] = &documents.Document{
		ID:      docID,
		Type:    documents.TypeInvoice,
		Status:  documents.StatusApproved,
		Version: 5,
	}
	proposalID := uuid.New()
	repo.proposals[proposalID] = proposals.Proposal{
		ID:         proposalID,
		DocumentID: docID,
		Status:     proposals.ProposalApproved,
		Confidence: 0.95,
		Lines: []proposals.EntryLine{
			{Position: 1, DebitAccount: "5000", CreditAccount: "1000", Amount: amount, Description: "office supplies"},
		},
	}
	approvalID := uuid.New()
	repo.approvals[approvalID] = proposals.Approval{
		ID:         approvalID,
		DocumentID: docID,
		ProposalID: proposalID,
		Status:     proposals.ApprovalApproved,
		Reviewer:   "admin-1",
	}
	return approvalID, docID
}

func newTestService(repo *memoryLedgerRepo) *Service {
	engine := policy.NewEngine(policy.NewStore(policy.DefaultConfig()))
	return NewService(repo, engine, testRegistry(), slog.New(slog.DiscardHandler))
}

type memoryGuard struct {
	keys map[string]string
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{keys: map[string]string{}}
}

func (g *memoryGuard) CheckAndInsert(_ context.Context, key, module string) error {
	if _, ok := g.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	g.keys[key] = module
	return nil
}

func (g *memoryGuard) Delete(_ context.Context, key string) error {
	delete(g.keys, key)
	return nil
}

func actorCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: "admin-1", Role: "admin"})
}

func TestPostCreatesBalancedEntries(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, docID := seedApprovedProposal(repo, 250)
	svc := newTestService(repo)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) })

	entries, err := svc.Post(actorCtx(), approvalID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "JV-20260314-0001", entries[0].JournalNumber)
	require.Equal(t, "5000", entries[0].AccountCode)
	require.Equal(t, 250.0, entries[0].DebitAmount)
	require.Equal(t, "1000", entries[1].AccountCode)
	require.Equal(t, 250.0, entries[1].CreditAmount)

	require.Equal(t, documents.StatusPosted, repo.docs[docID].Status)

	require.Len(t, repo.events, 2)
	var posted bool
	for _, event := range repo.events {
		if event.EventType == outbox.EventLedgerPosted {
			posted = true
		}
	}
	require.True(t, posted, "expected a ledger.posted event")
}

func TestPostJournalNumbersIncrementPerDay(t *testing.T) {
	repo := newMemoryLedgerRepo()
	first, _ := seedApprovedProposal(repo, 100)
	second, _ := seedApprovedProposal(repo, 200)
	svc := newTestService(repo)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) })

	entries, err := svc.Post(actorCtx(), first)
	require.NoError(t, err)
	require.Equal(t, "JV-20260314-0001", entries[0].JournalNumber)

	entries, err = svc.Post(actorCtx(), second)
	require.NoError(t, err)
	require.Equal(t, "JV-20260314-0002", entries[0].JournalNumber)
}

func TestPostRevalidatesAgainstCurrentPolicy(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, docID := seedApprovedProposal(repo, 250)
	proposal := repo.proposals[repo.approvals[approvalID].ProposalID]
	proposal.Lines[0].DebitAccount = "9999"
	repo.proposals[proposal.ID] = proposal

	svc := newTestService(repo)
	entries, err := svc.Post(actorCtx(), approvalID)
	require.ErrorIs(t, err, shared.ErrPostingConflict)
	require.Nil(t, entries)

	// The denial itself commits: posting_failed plus the reasons on record.
	require.Equal(t, documents.StatusPostingFailed, repo.docs[docID].Status)
	require.Empty(t, repo.groups)
	var denied bool
	for _, record := range repo.audits {
		if record.Action == "posting_denied" {
			denied = true
			require.Contains(t, record.Detail, "9999")
		}
	}
	require.True(t, denied, "expected a posting_denied audit record")
}

func TestPostSameProposalTwiceConflicts(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, docID := seedApprovedProposal(repo, 250)
	svc := newTestService(repo)

	_, err := svc.Post(actorCtx(), approvalID)
	require.NoError(t, err)

	// Force the document back so only the unique proposal guard can refuse.
	repo.docs[docID].Status = documents.StatusApproved
	_, err = svc.Post(actorCtx(), approvalID)
	require.ErrorIs(t, err, shared.ErrPostingConflict)
}

func TestPostRetriedApprovalStopsAtIdempotencyGuard(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, _ := seedApprovedProposal(repo, 250)
	svc := newTestService(repo)
	guard := newMemoryGuard()
	svc.idempotency = guard

	_, err := svc.Post(actorCtx(), approvalID)
	require.NoError(t, err)
	require.Len(t, guard.keys, 1)

	_, err = svc.Post(actorCtx(), approvalID)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestPostFailureReleasesIdempotencyKey(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, _ := seedApprovedProposal(repo, 250)
	approval := repo.approvals[approvalID]
	approval.Status = proposals.ApprovalPending
	repo.approvals[approvalID] = approval

	svc := newTestService(repo)
	guard := newMemoryGuard()
	svc.idempotency = guard

	_, err := svc.Post(actorCtx(), approvalID)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Empty(t, guard.keys, "a failed posting must free its key for retry")
}

func TestPostRejectsUnapprovedApproval(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, _ := seedApprovedProposal(repo, 250)
	approval := repo.approvals[approvalID]
	approval.Status = proposals.ApprovalPending
	repo.approvals[approvalID] = approval

	svc := newTestService(repo)
	_, err := svc.Post(actorCtx(), approvalID)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRollbackNetsToZero(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, docID := seedApprovedProposal(repo, 250)
	svc := newTestService(repo)

	entries, err := svc.Post(actorCtx(), approvalID)
	require.NoError(t, err)
	originalGroup := entries[0].GroupID

	reversals, err := svc.Rollback(actorCtx(), originalGroup, "posted against wrong period")
	require.NoError(t, err)
	require.Len(t, reversals, 2)
	require.NotNil(t, reversals[0].ReversalOf)
	require.Equal(t, entries[0].ID, *reversals[0].ReversalOf)
	require.Equal(t, entries[0].DebitAmount, reversals[0].CreditAmount)

	all, err := svc.LedgerForDocument(actorCtx(), docID)
	require.NoError(t, err)
	for code, balance := range BalanceByAccount(all) {
		require.InDelta(t, 0, balance, 0.001, "account %s should net to zero", code)
	}

	var rolledBack bool
	for _, event := range repo.events {
		if event.EventType == outbox.EventLedgerRolledBack {
			rolledBack = true
		}
	}
	require.True(t, rolledBack, "expected a ledger.rolledback event")
}

func TestRollbackTwiceFails(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, _ := seedApprovedProposal(repo, 250)
	svc := newTestService(repo)

	entries, err := svc.Post(actorCtx(), approvalID)
	require.NoError(t, err)

	_, err = svc.Rollback(actorCtx(), entries[0].GroupID, "first")
	require.NoError(t, err)
	_, err = svc.Rollback(actorCtx(), entries[0].GroupID, "second")
	require.ErrorIs(t, err, shared.ErrAlreadyReversed)
}

func TestRollbackEventKeysUniqueAcrossDays(t *testing.T) {
	repo := newMemoryLedgerRepo()
	approvalID, docID := seedApprovedProposal(repo, 250)
	svc := newTestService(repo)

	day1 := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return day1 })

	entries, err := svc.Post(actorCtx(), approvalID)
	require.NoError(t, err)

	// A busy day: the journal counter has already run past four digits when
	// the first rollback lands.
	repo.seq[day1.Format("20060102")] = 10_000
	_, err = svc.Rollback(actorCtx(), entries[0].GroupID, "wrong period")
	require.NoError(t, err)

	// A second posting group for the same document, reversed the next day as
	// that day's first journal.
	groupID := uuid.New()
	repo.groups[groupID] = Group{ID: groupID, DocumentID: docID, JournalNumber: "JV-20260901-0500", PostedAt: day1}
	repo.entries[groupID] = []Entry{
		{ID: uuid.New(), GroupID: groupID, JournalNumber: "JV-20260901-0500", AccountCode: "1000", DebitAmount: 40, PostedAt: day1},
	}

	day2 := day1.Add(24 * time.Hour)
	svc.WithNow(func() time.Time { return day2 })
	_, err = svc.Rollback(actorCtx(), groupID, "late correction")
	require.NoError(t, err)

	keys := map[string]int{}
	for _, event := range repo.events {
		if event.EventType == outbox.EventLedgerRolledBack {
			keys[event.IdempotencyKey]++
		}
	}
	require.Len(t, keys, 2, "each rollback must key its own event")
	for key, n := range keys {
		require.Equal(t, 1, n, "key %s reused", key)
	}
}

func TestRollbackUnknownGroup(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := newTestService(repo)
	_, err := svc.Rollback(actorCtx(), uuid.New(), "oops")
	require.ErrorIs(t, err, shared.ErrNotFound)
}
