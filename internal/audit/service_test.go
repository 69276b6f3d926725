package audit

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/outbox"
)

type memoryRepo struct {
	byKey map[string]Record
	order []string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{byKey: map[string]Record{}}
}

func (m *memoryRepo) Record(_ context.Context, record Record) (Record, error) {
	if existing, ok := m.byKey[record.IdempotencyKey]; ok {
		return existing, nil
	}
	m.byKey[record.IdempotencyKey] = record
	m.order = append(m.order, record.IdempotencyKey)
	return record, nil
}

func (m *memoryRepo) Timeline(_ context.Context, documentID uuid.UUID, after time.Time, limit int) ([]Record, error) {
	var out []Record
	for _, key := range m.order {
		record := m.byKey[key]
		if record.DocumentID == documentID && record.OccurredAt.After(after) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) GlobalTimeline(_ context.Context, limit int) ([]Record, error) {
	var out []Record
	for _, key := range m.order {
		out = append(out, m.byKey[key])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sampleRecord(docID uuid.UUID, version int64, at time.Time) Record {
	return Record{
		ID:             uuid.New(),
		DocumentID:     docID,
		Action:         "approve",
		Actor:          "user-1",
		OldState:       "pending_approval",
		NewState:       "approved",
		IdempotencyKey: outbox.IdempotencyKey(docID, outbox.EventDocumentTransitioned, version),
		OccurredAt:     at,
	}
}

func TestRecordIsIdempotentOnKey(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()
	docID := uuid.New()
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, err := svc.Record(ctx, sampleRecord(docID, 3, at))
	require.NoError(t, err)

	// Same key, different row id: the original wins.
	second, err := svc.Record(ctx, sampleRecord(docID, 3, at.Add(time.Second)))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, repo.byKey, 1)
}

func TestTimelineFiltersAndOrders(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()
	docID := uuid.New()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for v := int64(1); v <= 4; v++ {
		_, err := svc.Record(ctx, sampleRecord(docID, v, base.Add(time.Duration(v)*time.Minute)))
		require.NoError(t, err)
	}
	_, err := svc.Record(ctx, sampleRecord(uuid.New(), 1, base))
	require.NoError(t, err)

	records, err := svc.Timeline(ctx, docID, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		require.True(t, records[i-1].OccurredAt.Before(records[i].OccurredAt))
	}
}

func TestConsumerRecordsEventPayloadOnce(t *testing.T) {
	repo := newMemoryRepo()
	consumer := NewConsumer(NewService(repo))
	ctx := context.Background()
	docID := uuid.New()

	record := sampleRecord(docID, 7, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	event, err := outbox.NewEvent(docID, outbox.EventDocumentTransitioned, 7, record)
	require.NoError(t, err)

	require.NoError(t, consumer.Consume(ctx, event))
	// Redelivery is harmless.
	require.NoError(t, consumer.Consume(ctx, event))
	require.Len(t, repo.byKey, 1)

	stored := repo.byKey[record.IdempotencyKey]
	require.Equal(t, "approve", stored.Action)
	require.Equal(t, docID, stored.DocumentID)
}

func TestConsumerRejectsMalformedPayload(t *testing.T) {
	consumer := NewConsumer(NewService(newMemoryRepo()))
	event := outbox.Event{ID: uuid.New(), Payload: []byte("{not json")}
	require.Error(t, consumer.Consume(context.Background(), event))
}
