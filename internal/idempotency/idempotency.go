// Package idempotency records which events each consumer has already applied.
// The insert is the gate: a second insert for the same (consumer, event id)
// reports that the event was seen before.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/logger"
)

// ErrDuplicate is returned by Claim for an event that was already processed.
// Consumers treat it as success and acknowledge the message.
var ErrDuplicate = errors.New("event already processed")

// DefaultRetention is how long processed ids are kept. It must exceed the
// longest possible broker redelivery window.
const DefaultRetention = 72 * time.Hour

// Recorder is implemented inside a store's unit of work so the mark commits
// atomically with the state change it guards.
type Recorder interface {
	MarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID, at time.Time) (bool, error)
}

// Claim marks eventID as processed by consumer, returning ErrDuplicate when it
// already was.
func Claim(ctx context.Context, r Recorder, consumer string, eventID uuid.UUID) error {
	first, err := r.MarkProcessed(ctx, consumer, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark %s processed by %s: %w", eventID, consumer, err)
	}
	if !first {
		return ErrDuplicate
	}
	return nil
}

// Purger deletes processed-event records older than a cutoff.
type Purger interface {
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper periodically purges records past the retention window.
type Sweeper struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewSweeper(store Purger, retention, interval time.Duration) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: store, retention: retention, interval: interval, now: time.Now}
}

// Sweep runs one purge pass.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.store.PurgeProcessed(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	if n > 0 {
		logger.Info("purged processed events", logger.Fields{"count": n, "before": cutoff})
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Error("idempotency sweep failed", err, nil)
			}
		}
	}
}
