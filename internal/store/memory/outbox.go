// Package memory provides in-process stores with the same transactional
// behaviour as the Postgres stores. A unit of work holds a store-wide lock
// and is rolled back from a snapshot if it fails.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
)

type processedKey struct {
	consumer string
	eventID  uuid.UUID
}

// core holds the tables every service store carries: the outbox and the
// processed-events ledger.
type core struct {
	mu        sync.Mutex
	outbox    []domain.OutboxEvent
	outboxSeq int64
	processed map[processedKey]time.Time
}

func (c *core) init() {
	c.processed = make(map[processedKey]time.Time)
}

type coreSnapshot struct {
	outbox    []domain.OutboxEvent
	outboxSeq int64
	processed map[processedKey]time.Time
}

func (c *core) snapshotCore() coreSnapshot {
	processed := make(map[processedKey]time.Time, len(c.processed))
	for k, v := range c.processed {
		processed[k] = v
	}
	return coreSnapshot{
		outbox:    append([]domain.OutboxEvent(nil), c.outbox...),
		outboxSeq: c.outboxSeq,
		processed: processed,
	}
}

func (c *core) restoreCore(s coreSnapshot) {
	c.outbox = s.outbox
	c.outboxSeq = s.outboxSeq
	c.processed = s.processed
}

func (c *core) appendOutboxLocked(evt domain.OutboxEvent) error {
	for _, e := range c.outbox {
		if e.ID == evt.ID {
			return domain.ErrConcurrentModification
		}
	}
	c.outboxSeq++
	evt.Seq = c.outboxSeq
	evt.Payload = append([]byte(nil), evt.Payload...)
	c.outbox = append(c.outbox, evt)
	return nil
}

func (c *core) markProcessedLocked(consumer string, eventID uuid.UUID, at time.Time) bool {
	k := processedKey{consumer: consumer, eventID: eventID}
	if _, ok := c.processed[k]; ok {
		return false
	}
	c.processed[k] = at
	return true
}

func (c *core) Pending(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.OutboxEvent
	for _, e := range c.outbox {
		if e.Published || e.Flagged {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *core) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.outbox {
		if c.outbox[i].ID == id {
			if !c.outbox[i].Published {
				c.outbox[i].Published = true
				c.outbox[i].PublishedAt = &at
			}
			return nil
		}
	}
	return nil
}

func (c *core) RecordFailure(_ context.Context, id uuid.UUID, attempts int, nextAt time.Time, flagged bool, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.outbox {
		if c.outbox[i].ID == id {
			c.outbox[i].Attempts = attempts
			c.outbox[i].NextAttemptAt = nextAt
			c.outbox[i].Flagged = flagged
			c.outbox[i].LastError = reason
			return nil
		}
	}
	return nil
}

func (c *core) PurgePublished(_ context.Context, before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.outbox[:0]
	var purged int64
	for _, e := range c.outbox {
		if e.Published && e.PublishedAt != nil && e.PublishedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	c.outbox = kept
	return purged, nil
}

func (c *core) Flagged(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.OutboxEvent
	for _, e := range c.outbox {
		if e.Flagged && !e.Published {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *core) Requeue(_ context.Context, id uuid.UUID, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.outbox {
		if c.outbox[i].ID == id && !c.outbox[i].Published {
			c.outbox[i].Flagged = false
			c.outbox[i].Attempts = 0
			c.outbox[i].NextAttemptAt = at
			c.outbox[i].LastError = ""
			return nil
		}
	}
	return outbox.ErrEventNotFound
}

func (c *core) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for k, at := range c.processed {
		if at.Before(before) {
			delete(c.processed, k)
			n++
		}
	}
	return n, nil
}

// Outbox returns a copy of every staged event in creation order.
func (c *core) Outbox() []domain.OutboxEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := append([]domain.OutboxEvent(nil), c.outbox...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
