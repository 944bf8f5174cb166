package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/lease"
	"github.com/punchamoorthee/walletsettle/internal/logger"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox events acknowledged by the broker",
	}, []string{"topic"})

	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Failed outbox publish attempts",
	}, []string{"topic"})

	eventsFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_flagged_total",
		Help: "Outbox events that exhausted their attempts and await an operator",
	}, []string{"topic"})
)

type RelayConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retention is how long published rows are kept before purging.
	Retention time.Duration
	// LeaseName identifies the relay among instances sharing a Locker.
	LeaseName string
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.LeaseName == "" {
		c.LeaseName = "outbox-relay"
	}
	return c
}

// Relay moves staged events to the broker. Delivery is at-least-once: an
// event is marked published only after the broker acknowledged it.
type Relay struct {
	store     Store
	publisher Publisher
	locker    lease.Locker
	cfg       RelayConfig
	now       func() time.Time
	lastPurge time.Time
}

func NewRelay(store Store, publisher Publisher, locker lease.Locker, cfg RelayConfig) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		locker:    locker,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Run polls the outbox until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	logger.Info("outbox relay started", logger.Fields{"poll_interval": r.cfg.PollInterval.String()})
	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox relay stopped", nil)
			return
		case <-ticker.C:
			_, err := lease.Do(ctx, r.locker, r.cfg.LeaseName, 10*r.cfg.PollInterval, func(ctx context.Context) error {
				if _, err := r.Flush(ctx); err != nil {
					return err
				}
				return r.purge(ctx)
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("outbox relay tick failed", err, nil)
			}
		}
	}
}

// Flush publishes one batch and reports how many events were published.
//
// Events go out one at a time in creation order. The batch stops at the first
// failure or at the first event still waiting out its backoff, so an event is
// never overtaken by a later one.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending outbox events: %w", err)
	}

	published := 0
	for _, evt := range events {
		now := r.now().UTC()
		if evt.NextAttemptAt.After(now) {
			break
		}

		if err := r.publisher.Publish(ctx, evt); err != nil {
			if ctx.Err() != nil {
				return published, ctx.Err()
			}
			return published, r.recordFailure(ctx, evt, err)
		}

		if err := r.store.MarkPublished(ctx, evt.ID, now); err != nil {
			return published, fmt.Errorf("mark outbox event %s published: %w", evt.ID, err)
		}
		eventsPublished.WithLabelValues(evt.Topic).Inc()
		published++
	}

	return published, nil
}

func (r *Relay) recordFailure(ctx context.Context, evt domain.OutboxEvent, cause error) error {
	attempts := evt.Attempts + 1
	flagged := attempts >= r.cfg.MaxAttempts
	nextAt := r.now().UTC().Add(r.delay(attempts))

	publishFailures.WithLabelValues(evt.Topic).Inc()
	fields := logger.Fields{
		"event_id":     evt.ID.String(),
		"event_type":   evt.EventType,
		"aggregate_id": evt.AggregateID,
		"attempts":     attempts,
	}
	if flagged {
		eventsFlagged.WithLabelValues(evt.Topic).Inc()
		logger.Error("outbox event flagged after exhausting attempts", cause, fields)
	} else {
		fields["next_attempt_at"] = nextAt
		logger.Warn("outbox publish failed", fields)
	}

	if err := r.store.RecordFailure(ctx, evt.ID, attempts, nextAt, flagged, cause.Error()); err != nil {
		return fmt.Errorf("record outbox failure for %s: %w", evt.ID, err)
	}
	return nil
}

// delay is the backoff before the given attempt number is retried.
func (r *Relay) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (r *Relay) purge(ctx context.Context) error {
	now := r.now()
	if now.Sub(r.lastPurge) < time.Hour {
		return nil
	}
	n, err := r.store.PurgePublished(ctx, now.UTC().Add(-r.cfg.Retention))
	if err != nil {
		return fmt.Errorf("purge published outbox events: %w", err)
	}
	r.lastPurge = now
	if n > 0 {
		logger.Info("purged published outbox events", logger.Fields{"count": n})
	}
	return nil
}
