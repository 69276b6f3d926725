package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryOutboxRepo struct {
	events map[uuid.UUID]*Event
}

func newMemoryOutboxRepo() *memoryOutboxRepo {
	return &memoryOutboxRepo{events: make(map[uuid.UUID]*Event)}
}

func (r *memoryOutboxRepo) add(event Event) {
	copied := event
	r.events[event.ID] = &copied
}

func (r *memoryOutboxRepo) pending(limit int, now time.Time) []Event {
	var all []Event
	for _, event := range r.events {
		if event.DispatchedAt != nil || event.DeadLettered || event.NextAttemptAt.After(now) {
			continue
		}
		all = append(all, *event)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	seen := make(map[uuid.UUID]bool)
	var claimable []Event
	for _, event := range all {
		if seen[event.AggregateID] {
			continue
		}
		seen[event.AggregateID] = true
		claimable = append(claimable, event)
		if len(claimable) == limit {
			break
		}
	}
	return claimable
}

func (r *memoryOutboxRepo) WithPending(ctx context.Context, limit int, now time.Time, fn func(context.Context, TxRepository, []Event) error) error {
	return fn(ctx, r, r.pending(limit, now))
}

func (r *memoryOutboxRepo) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	event, ok := r.events[id]
	if !ok {
		return errors.New("event missing")
	}
	event.DispatchedAt = &at
	return nil
}

func (r *memoryOutboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastErr string) error {
	event, ok := r.events[id]
	if !ok {
		return errors.New("event missing")
	}
	event.Attempts = attempts
	event.NextAttemptAt = nextAttempt
	event.LastError = lastErr
	return nil
}

func (r *memoryOutboxRepo) MarkDeadLettered(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	event, ok := r.events[id]
	if !ok {
		return errors.New("event missing")
	}
	event.Attempts = attempts
	event.DeadLettered = true
	event.LastError = lastErr
	return nil
}

func (r *memoryOutboxRepo) ListDeadLetters(ctx context.Context, limit int) ([]Event, error) {
	var out []Event
	for _, event := range r.events {
		if event.DeadLettered {
			out = append(out, *event)
		}
	}
	return out, nil
}

func (r *memoryOutboxRepo) Requeue(ctx context.Context, id uuid.UUID) error {
	event, ok := r.events[id]
	if !ok || !event.DeadLettered {
		return errors.New("not dead-lettered")
	}
	event.DeadLettered = false
	event.Attempts = 0
	event.NextAttemptAt = time.Now()
	event.LastError = ""
	return nil
}

type recordingConsumer struct {
	name     string
	failures int
	seen     []Event
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Consume(ctx context.Context, event Event) error {
	if c.failures > 0 {
		c.failures--
		return errors.New("consumer unavailable")
	}
	c.seen = append(c.seen, event)
	return nil
}

func testEvent(t *testing.T, aggregate uuid.UUID, version int64, createdAt time.Time) Event {
	t.Helper()
	event, err := NewEvent(aggregate, EventDocumentTransitioned, version, map[string]string{"state": "extracted"})
	require.NoError(t, err)
	event.CreatedAt = createdAt
	event.NextAttemptAt = createdAt
	return event
}

func newTestDispatcher(repo Repository, cfg DispatcherConfig) *Dispatcher {
	return NewDispatcher(repo, cfg, slog.New(slog.DiscardHandler))
}

func TestDispatchDeliversAndMarks(t *testing.T) {
	repo := newMemoryOutboxRepo()
	aggregate := uuid.New()
	event := testEvent(t, aggregate, 1, time.Now().Add(-time.Minute))
	repo.add(event)

	consumer := &recordingConsumer{name: "audit"}
	dispatcher := newTestDispatcher(repo, DispatcherConfig{})
	dispatcher.RegisterMandatory(consumer)

	result, err := dispatcher.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Claimed)
	require.Equal(t, 1, result.Dispatched)
	require.Len(t, consumer.seen, 1)
	require.Equal(t, event.IdempotencyKey, consumer.seen[0].IdempotencyKey)
	require.NotNil(t, repo.events[event.ID].DispatchedAt)
}

func TestDispatchRequiresMandatoryConsumer(t *testing.T) {
	dispatcher := newTestDispatcher(newMemoryOutboxRepo(), DispatcherConfig{})
	_, err := dispatcher.RunCycle(context.Background())
	require.Error(t, err)
}

func TestDispatchRetriesWithBackoff(t *testing.T) {
	repo := newMemoryOutboxRepo()
	event := testEvent(t, uuid.New(), 1, time.Now().Add(-time.Minute))
	repo.add(event)

	consumer := &recordingConsumer{name: "audit", failures: 1}
	dispatcher := newTestDispatcher(repo, DispatcherConfig{BaseBackoff: time.Second, MaxAttempts: 3})
	dispatcher.RegisterMandatory(consumer)

	result, err := dispatcher.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	stored := repo.events[event.ID]
	require.Equal(t, 1, stored.Attempts)
	require.True(t, stored.NextAttemptAt.After(time.Now()))
	require.Contains(t, stored.LastError, "audit")

	// Second cycle before the backoff elapses claims nothing.
	result, err = dispatcher.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Claimed)

	// After the backoff the event is delivered.
	stored.NextAttemptAt = time.Now().Add(-time.Second)
	result, err = dispatcher.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Dispatched)
	require.Len(t, consumer.seen, 1)
}

func TestDispatchDeadLettersAfterCeiling(t *testing.T) {
	repo := newMemoryOutboxRepo()
	blocked := testEvent(t, uuid.New(), 1, time.Now().Add(-time.Minute))
	healthy := testEvent(t, uuid.New(), 1, time.Now().Add(-time.Minute))
	repo.add(blocked)
	repo.add(healthy)

	audit := &recordingConsumer{name: "audit"}
	failing := &failFor{id: blocked.ID}
	dispatcher := newTestDispatcher(repo, DispatcherConfig{BaseBackoff: time.Nanosecond, MaxAttempts: 2})
	dispatcher.RegisterMandatory(failing)
	dispatcher.RegisterMandatory(audit)

	_, err := dispatcher.RunCycle(context.Background())
	require.NoError(t, err)
	repo.events[blocked.ID].NextAttemptAt = time.Now().Add(-time.Second)
	result, err := dispatcher.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.DeadLettered)

	// The unrelated event was dispatched despite the dead-letter.
	require.NotNil(t, repo.events[healthy.ID].DispatchedAt)
	require.True(t, repo.events[blocked.ID].DeadLettered)

	dead, err := repo.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// Requeue clears the dead-letter for another round.
	require.NoError(t, repo.Requeue(context.Background(), blocked.ID))
	require.False(t, repo.events[blocked.ID].DeadLettered)
}

type failFor struct {
	id uuid.UUID
}

func (f *failFor) Name() string { return "flaky" }

func (f *failFor) Consume(ctx context.Context, event Event) error {
	if event.ID == f.id {
		return errors.New("downstream rejected")
	}
	return nil
}

func TestDispatchPreservesPerAggregateOrder(t *testing.T) {
	repo := newMemoryOutboxRepo()
	aggregate := uuid.New()
	base := time.Now().Add(-time.Hour)
	first := testEvent(t, aggregate, 1, base)
	second := testEvent(t, aggregate, 2, base.Add(time.Minute))
	third := testEvent(t, aggregate, 3, base.Add(2*time.Minute))
	repo.add(second)
	repo.add(third)
	repo.add(first)

	consumer := &recordingConsumer{name: "audit"}
	dispatcher := newTestDispatcher(repo, DispatcherConfig{})
	dispatcher.RegisterMandatory(consumer)

	// Each cycle claims only the aggregate's oldest undelivered event.
	for i := 0; i < 3; i++ {
		_, err := dispatcher.RunCycle(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, consumer.seen, 3)
	require.Equal(t, first.ID, consumer.seen[0].ID)
	require.Equal(t, second.ID, consumer.seen[1].ID)
	require.Equal(t, third.ID, consumer.seen[2].ID)
}

func TestDispatchBreaksCreationTimeTiesByID(t *testing.T) {
	repo := newMemoryOutboxRepo()
	aggregate := uuid.New()
	createdAt := time.Now().Add(-time.Hour)

	// Same aggregate, same timestamp: the id decides who goes first.
	first := testEvent(t, aggregate, 1, createdAt)
	second := testEvent(t, aggregate, 2, createdAt)
	if second.ID.String() < first.ID.String() {
		first, second = second, first
	}
	repo.add(second)
	repo.add(first)

	consumer := &recordingConsumer{name: "audit"}
	dispatcher := newTestDispatcher(repo, DispatcherConfig{})
	dispatcher.RegisterMandatory(consumer)

	for i := 0; i < 2; i++ {
		result, err := dispatcher.RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.Claimed, "same-instant siblings must claim one at a time")
	}

	require.Len(t, consumer.seen, 2)
	require.Equal(t, first.ID, consumer.seen[0].ID)
	require.Equal(t, second.ID, consumer.seen[1].ID)
}

func TestOptionalConsumerFailureDoesNotBlock(t *testing.T) {
	repo := newMemoryOutboxRepo()
	event := testEvent(t, uuid.New(), 1, time.Now().Add(-time.Minute))
	repo.add(event)

	audit := &recordingConsumer{name: "audit"}
	flaky := &recordingConsumer{name: "webhook", failures: 100}
	dispatcher := newTestDispatcher(repo, DispatcherConfig{})
	dispatcher.RegisterMandatory(audit)
	dispatcher.RegisterOptional(flaky)

	result, err := dispatcher.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Dispatched)
	require.NotNil(t, repo.events[event.ID].DispatchedAt)
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	aggregate := uuid.New()
	require.Equal(t,
		IdempotencyKey(aggregate, EventLedgerPosted, 4),
		IdempotencyKey(aggregate, EventLedgerPosted, 4))
	require.NotEqual(t,
		IdempotencyKey(aggregate, EventLedgerPosted, 4),
		IdempotencyKey(aggregate, EventLedgerPosted, 5))
}
