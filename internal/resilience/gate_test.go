package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("dependency unavailable")

func fastGate(name string, breaker BreakerSettings) *Gate {
	return New(Config{
		Name:    name,
		Breaker: breaker,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      2,
		},
	})
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	g := fastGate(t.Name(), BreakerSettings{ConsecutiveFailures: 10})

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errUnavailable
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	g := fastGate(t.Name(), BreakerSettings{ConsecutiveFailures: 10})

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		return errUnavailable
	})

	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	g := fastGate(t.Name(), BreakerSettings{ConsecutiveFailures: 1})

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errUnavailable)
	})

	require.ErrorIs(t, err, errUnavailable)
	assert.True(t, IsPermanent(err))
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, calls)
	// Permanent failures do not count against the breaker.
	assert.Equal(t, "closed", g.State())
}

func TestDo_ClassifierMarksPermanent(t *testing.T) {
	errRejected := errors.New("rejected")
	g := New(Config{
		Name:        t.Name(),
		Retry:       RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond},
		IsPermanent: func(err error) bool { return errors.Is(err, errRejected) },
	})

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		return errRejected
	})

	require.ErrorIs(t, err, errRejected)
	assert.Equal(t, 1, calls)
}

func TestBreaker_OpensOnConsecutiveFailuresAndRejectsImmediately(t *testing.T) {
	// GIVEN a breaker that trips after two failures
	g := New(Config{
		Name:    t.Name(),
		Breaker: BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour},
		Retry:   RetryPolicy{MaxAttempts: 1},
	})
	failing := func(context.Context) error { return errUnavailable }

	// WHEN two calls fail
	require.Error(t, g.Once(context.Background(), failing))
	require.Error(t, g.Once(context.Background(), failing))

	// THEN the next call is rejected without reaching the dependency
	called := false
	err := g.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, "open", g.State())
}

func TestBreaker_OpensOnFailureRate(t *testing.T) {
	g := New(Config{
		Name: t.Name(),
		Breaker: BreakerSettings{
			ConsecutiveFailures: 100,
			FailureRate:         0.5,
			MinRequests:         4,
			Window:              time.Minute,
			OpenTimeout:         time.Hour,
		},
		Retry: RetryPolicy{MaxAttempts: 1},
	})
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errUnavailable }

	require.NoError(t, g.Once(context.Background(), ok))
	require.Error(t, g.Once(context.Background(), fail))
	require.NoError(t, g.Once(context.Background(), ok))
	assert.Equal(t, "closed", g.State(), "below the minimum request count")

	require.Error(t, g.Once(context.Background(), fail))
	assert.Equal(t, "open", g.State())
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	g := New(Config{
		Name:    t.Name(),
		Breaker: BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: 20 * time.Millisecond, HalfOpenProbes: 1},
		Retry:   RetryPolicy{MaxAttempts: 1},
	})

	require.Error(t, g.Once(context.Background(), func(context.Context) error { return errUnavailable }))
	assert.Equal(t, "open", g.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, "half-open", g.State())

	require.NoError(t, g.Once(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, "closed", g.State())
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	g := New(Config{
		Name:  t.Name(),
		Retry: RetryPolicy{MaxAttempts: 100, InitialInterval: 10 * time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := g.Do(ctx, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errUnavailable
	})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 2, calls)
}
