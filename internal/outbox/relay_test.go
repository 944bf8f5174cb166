package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/event"
)

type fakeStore struct {
	mu   sync.Mutex
	rows []domain.OutboxEvent
}

func (s *fakeStore) AppendOutbox(_ context.Context, evt domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt.Seq = int64(len(s.rows) + 1)
	s.rows = append(s.rows, evt)
	return nil
}

func (s *fakeStore) Pending(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, r := range s.rows {
		if !r.Published && !r.Flagged {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) find(id uuid.UUID) *domain.OutboxEvent {
	for i := range s.rows {
		if s.rows[i].ID == id {
			return &s.rows[i]
		}
	}
	return nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(id)
	r.Published = true
	r.PublishedAt = &at
	return nil
}

func (s *fakeStore) RecordFailure(_ context.Context, id uuid.UUID, attempts int, nextAt time.Time, flagged bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(id)
	r.Attempts = attempts
	r.NextAttemptAt = nextAt
	r.Flagged = flagged
	r.LastError = reason
	return nil
}

func (s *fakeStore) PurgePublished(_ context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type fakePublisher struct {
	sent   []uuid.UUID
	failOn map[uuid.UUID]error
}

func (p *fakePublisher) Publish(_ context.Context, evt domain.OutboxEvent) error {
	if err := p.failOn[evt.ID]; err != nil {
		return err
	}
	p.sent = append(p.sent, evt.ID)
	return nil
}

func stage(t *testing.T, s *fakeStore, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		txID := uuid.New()
		env := event.New(event.DebitRequested{Command: event.Command{
			TransactionID: txID, AccountID: "acc-a", Amount: 100, Currency: "IDR",
		}}, txID.String(), txID.String())
		env.OccurredAt = time.Now().Add(-time.Minute).UTC()
		require.NoError(t, Append(context.Background(), s, env))
		ids = append(ids, env.ID)
	}
	return ids
}

func TestNewEvent_RoutesByType(t *testing.T) {
	txID := uuid.New()
	env := event.New(event.CreditRequested{Command: event.Command{
		TransactionID: txID, AccountID: "acc-b", Amount: 5, Currency: "IDR",
	}}, txID.String(), txID.String())

	evt, err := NewEvent(env)
	require.NoError(t, err)

	assert.Equal(t, env.ID, evt.ID)
	assert.Equal(t, event.TopicCreditRequested, evt.Topic)
	assert.Equal(t, "acc-b", evt.PartitionKey)
	assert.Equal(t, "CreditRequested", evt.EventType)

	decoded, err := event.Decode(evt.Payload)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
}

func TestFlush_PublishesInOrderAndMarks(t *testing.T) {
	store := &fakeStore{}
	ids := stage(t, store, 3)
	pub := &fakePublisher{}
	relay := NewRelay(store, pub, nil, RelayConfig{})

	n, err := relay.Flush(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, ids, pub.sent)
	pending, _ := store.Pending(context.Background(), 10)
	assert.Empty(t, pending)
}

func TestFlush_StopsBatchOnFailureToPreserveOrder(t *testing.T) {
	// GIVEN three staged events where the second cannot be published
	store := &fakeStore{}
	ids := stage(t, store, 3)
	pub := &fakePublisher{failOn: map[uuid.UUID]error{ids[1]: errors.New("broker unavailable")}}
	relay := NewRelay(store, pub, nil, RelayConfig{InitialBackoff: time.Minute})

	// WHEN the relay flushes
	n, err := relay.Flush(context.Background())

	// THEN only the first goes out and the second is scheduled for retry
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ids[:1], pub.sent)

	failed := store.find(ids[1])
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "broker unavailable", failed.LastError)
	assert.True(t, failed.NextAttemptAt.After(time.Now()))
	assert.False(t, failed.Flagged)

	// AND a second flush does not let the third overtake it while it backs off
	delete(pub.failOn, ids[1])
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, ids[:1], pub.sent)
}

func TestFlush_RetriesAfterBackoff(t *testing.T) {
	store := &fakeStore{}
	ids := stage(t, store, 2)
	pub := &fakePublisher{failOn: map[uuid.UUID]error{ids[0]: errors.New("timeout")}}
	relay := NewRelay(store, pub, nil, RelayConfig{InitialBackoff: time.Second, MaxBackoff: time.Second})

	_, err := relay.Flush(context.Background())
	require.NoError(t, err)

	delete(pub.failOn, ids[0])
	relay.now = func() time.Time { return time.Now().Add(time.Minute) }

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, ids, pub.sent)
}

func TestFlush_FlagsAfterMaxAttemptsAndNeverDrops(t *testing.T) {
	store := &fakeStore{}
	ids := stage(t, store, 2)
	pub := &fakePublisher{failOn: map[uuid.UUID]error{ids[0]: errors.New("message too large")}}
	relay := NewRelay(store, pub, nil, RelayConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	later := time.Now()
	for i := 0; i < 2; i++ {
		later = later.Add(time.Second)
		at := later
		relay.now = func() time.Time { return at }
		_, err := relay.Flush(context.Background())
		require.NoError(t, err)
	}

	flagged := store.find(ids[0])
	assert.True(t, flagged.Flagged)
	assert.False(t, flagged.Published)
	assert.Equal(t, 2, flagged.Attempts)

	// The flagged event stays in the table; the rest of the outbox moves on.
	relay.now = func() time.Time { return later.Add(time.Second) }
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{ids[1]}, pub.sent)
	assert.Len(t, store.rows, 2)
}

func TestDelay_GrowsAndCaps(t *testing.T) {
	relay := NewRelay(&fakeStore{}, &fakePublisher{}, nil, RelayConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	})

	first := relay.delay(1)
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 150*time.Millisecond)

	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, relay.delay(30), 1500*time.Millisecond)
	}
}
