// Package broker moves encoded events over Kafka.
package broker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
	"github.com/punchamoorthee/walletsettle/internal/resilience"
)

// Header keys set on every published message.
const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes outbox events to their topics, keyed so that every event
// for an account lands on the same partition.
type Publisher struct {
	writer messageWriter
}

func NewPublisher(brokers []string) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}}
}

// Publish returns once the broker acknowledged the write.
func (p *Publisher) Publish(ctx context.Context, evt domain.OutboxEvent) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: evt.Topic,
		Key:   []byte(evt.PartitionKey),
		Value: evt.Payload,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(evt.ID.String())},
			{Key: HeaderEventType, Value: []byte(evt.EventType)},
		},
	})
}

func (p *Publisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

type guardedPublisher struct {
	next outbox.Publisher
	gate *resilience.Gate
}

// Guard sends every publish through gate's breaker with a single attempt.
// The relay schedules its own retries.
func Guard(p outbox.Publisher, gate *resilience.Gate) outbox.Publisher {
	return &guardedPublisher{next: p, gate: gate}
}

func (g *guardedPublisher) Publish(ctx context.Context, evt domain.OutboxEvent) error {
	return g.gate.Once(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, evt)
	})
}
