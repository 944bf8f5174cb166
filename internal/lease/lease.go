// Package lease elects a single instance to run a background job.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Release gives up a held lease. Releasing a lease that already expired and
// was taken by another holder is a no-op.
type Release func(ctx context.Context) error

// Locker hands out named, time-bounded leases.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Release, bool, error)
}

// Do runs fn while holding the named lease. It reports false without calling
// fn when another holder has the lease.
func Do(ctx context.Context, l Locker, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if l == nil {
		return true, fn(ctx)
	}

	release, ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = release(releaseCtx)
	}()

	leaseCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return true, fn(leaseCtx)
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu     sync.Mutex
	held   map[string]localHold
	now    func() time.Time
	tokens uint64
}

type localHold struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localHold), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, name string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[name]; ok && now.Before(h.expires) {
		return nil, false, nil
	}

	l.tokens++
	token := l.tokens
	l.held[name] = localHold{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[name]; ok && h.token == token {
			delete(l.held, name)
		}
		return nil
	}, true, nil
}
