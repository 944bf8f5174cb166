package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type key struct {
	consumer string
	id       uuid.UUID
}

type fakeStore struct {
	seen map[key]time.Time
	err  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: map[key]time.Time{}}
}

func (f *fakeStore) MarkProcessed(_ context.Context, consumer string, id uuid.UUID, at time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	k := key{consumer, id}
	if _, ok := f.seen[k]; ok {
		return false, nil
	}
	f.seen[k] = at
	return true, nil
}

func (f *fakeStore) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for k, at := range f.seen {
		if at.Before(before) {
			delete(f.seen, k)
			n++
		}
	}
	return n, nil
}

func TestClaim_SecondDeliveryIsDuplicate(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()

	require.NoError(t, Claim(context.Background(), store, "wallet", id))
	require.ErrorIs(t, Claim(context.Background(), store, "wallet", id), ErrDuplicate)
}

func TestClaim_ConsumersAreIndependent(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()

	require.NoError(t, Claim(context.Background(), store, "wallet", id))
	require.NoError(t, Claim(context.Background(), store, "orchestrator", id))
}

func TestClaim_StoreErrorIsWrapped(t *testing.T) {
	boom := errors.New("db down")
	store := &fakeStore{err: boom}

	err := Claim(context.Background(), store, "wallet", uuid.New())
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrDuplicate)
}

func TestSweeper_PurgesOnlyExpired(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	old, fresh := uuid.New(), uuid.New()
	store.seen[key{"wallet", old}] = now.Add(-73 * time.Hour)
	store.seen[key{"wallet", fresh}] = now.Add(-time.Hour)

	s := NewSweeper(store, 0, 0)
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, store.seen, key{"wallet", fresh})
	assert.NotContains(t, store.seen, key{"wallet", old})
}
