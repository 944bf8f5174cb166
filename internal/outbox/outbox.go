// Package outbox stages events in the same unit of work as the state change
// they announce, and relays them to the broker afterwards.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/event"
)

// ErrEventNotFound is returned when requeueing an event that does not exist
// or was already published.
var ErrEventNotFound = errors.New("outbox event not found")

// Appender is implemented by a store's transaction handle.
type Appender interface {
	AppendOutbox(ctx context.Context, evt domain.OutboxEvent) error
}

// Store is the relay's view of the outbox table.
type Store interface {
	// Pending returns unpublished, unflagged events in creation order.
	Pending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, attempts int, nextAt time.Time, flagged bool, reason string) error
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
}

// Inspector is used by operators to deal with flagged events.
type Inspector interface {
	Flagged(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	Requeue(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Publisher delivers one event to the broker. Returning nil means the broker
// acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, evt domain.OutboxEvent) error
}

// NewEvent encodes env into an outbox row routed by its type and partition key.
func NewEvent(env event.Envelope) (domain.OutboxEvent, error) {
	topic := env.Type().Topic()
	if topic == "" {
		return domain.OutboxEvent{}, fmt.Errorf("no topic for event type %s", env.Type())
	}

	payload, err := event.Encode(env)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("encode %s: %w", env.Type(), err)
	}

	return domain.OutboxEvent{
		ID:            env.ID,
		AggregateID:   env.AggregateID,
		EventType:     env.Type().String(),
		Topic:         topic,
		PartitionKey:  event.PartitionKey(env),
		Payload:       payload,
		CreatedAt:     env.OccurredAt,
		NextAttemptAt: env.OccurredAt,
	}, nil
}

// Append encodes env and stages it through a.
func Append(ctx context.Context, a Appender, env event.Envelope) error {
	evt, err := NewEvent(env)
	if err != nil {
		return err
	}
	return a.AppendOutbox(ctx, evt)
}
