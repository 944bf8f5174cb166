package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/punchamoorthee/walletsettle/internal/event"
	"github.com/punchamoorthee/walletsettle/internal/logger"
	"github.com/punchamoorthee/walletsettle/internal/resilience"
)

var (
	messagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Consumed messages by outcome",
	}, []string{"consumer", "result"})

	messagesParked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_parked_total",
		Help: "Times a message was held back after transient failures",
	}, []string{"consumer"})
)

// Dead-letter error types.
const (
	ErrorTypeMalformed   = "malformed"
	ErrorTypeSchema      = "schema_mismatch"
	ErrorTypeUnknownType = "unknown_type"
	ErrorTypeHandler     = "handler_rejected"
)

// Handler applies one decoded event. It must be idempotent.
type Handler interface {
	Handle(ctx context.Context, env event.Envelope) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader joins groupID on topics. Offsets are committed explicitly.
func NewReader(brokers []string, groupID string, topics []string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

type ConsumerConfig struct {
	Name string
	// IsPermanent classifies handler errors that go to dead-letter. Errors
	// marked with resilience.Permanent always do.
	IsPermanent func(error) bool
	// ParkInitial and ParkMax bound the wait between attempts on a message
	// whose retries are exhausted.
	ParkInitial time.Duration
	ParkMax     time.Duration
}

// Consumer commits a message only after its handler committed locally, or
// after it was written to dead-letter.
type Consumer struct {
	reader  messageReader
	handler Handler
	gate    *resilience.Gate
	dlq     DeadLetterer
	cfg     ConsumerConfig
}

func NewConsumer(reader messageReader, handler Handler, gate *resilience.Gate, dlq DeadLetterer, cfg ConsumerConfig) *Consumer {
	if cfg.ParkInitial <= 0 {
		cfg.ParkInitial = time.Second
	}
	if cfg.ParkMax <= 0 {
		cfg.ParkMax = 30 * time.Second
	}
	return &Consumer{reader: reader, handler: handler, gate: gate, dlq: dlq, cfg: cfg}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info("consumer started", logger.Fields{"consumer": c.cfg.Name})
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopped", logger.Fields{"consumer": c.cfg.Name})
				return nil
			}
			logger.Error("fetch message failed", err, logger.Fields{"consumer": c.cfg.Name})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.process(ctx, msg); err != nil {
			// Only shutdown interrupts processing; the message stays uncommitted.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("commit failed, message will be redelivered", err, logger.Fields{
				"consumer":  c.cfg.Name,
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			})
		}
	}
}

// process returns nil once msg may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil {
		errType := ErrorTypeMalformed
		if errors.Is(err, event.ErrSchemaMismatch) {
			errType = ErrorTypeSchema
		}
		return c.park(ctx, msg, func(ctx context.Context) error {
			return c.deadLetter(ctx, msg, event.Envelope{}, errType, err, 0)
		})
	}
	if !env.Type().Known() {
		return c.park(ctx, msg, func(ctx context.Context) error {
			return c.deadLetter(ctx, msg, env, ErrorTypeUnknownType, errors.New("unknown event type"), 0)
		})
	}

	attempts := 0
	return c.park(ctx, msg, func(ctx context.Context) error {
		attempts++
		err := c.gate.Do(ctx, func(ctx context.Context) error {
			return c.handler.Handle(ctx, env)
		})
		if err == nil {
			messagesConsumed.WithLabelValues(c.cfg.Name, "processed").Inc()
			return nil
		}
		if c.permanent(err) {
			return c.deadLetter(ctx, msg, env, ErrorTypeHandler, err, attempts)
		}
		return err
	})
}

// park runs fn until it succeeds or ctx is done, waiting with capped backoff
// between failures.
func (c *Consumer) park(ctx context.Context, msg kafka.Message, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ParkInitial
	b.MaxInterval = c.cfg.ParkMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		messagesParked.WithLabelValues(c.cfg.Name).Inc()
		logger.Warn("message parked after transient failure", logger.Fields{
			"consumer":  c.cfg.Name,
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"wait":      wait.String(),
			"error":     err.Error(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Consumer) permanent(err error) bool {
	if resilience.IsPermanent(err) || event.IsPermanent(err) {
		return true
	}
	return c.cfg.IsPermanent != nil && c.cfg.IsPermanent(err)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, env event.Envelope, errType string, cause error, attempts int) error {
	failed := FailedMessage{
		OriginalMessage: msg.Value,
		ErrorType:       errType,
		ErrorReason:     cause.Error(),
		FailedAt:        time.Now().UTC(),
		RetryCount:      attempts,
		SourceTopic:     msg.Topic,
		Partition:       msg.Partition,
		Offset:          msg.Offset,
		Consumer:        c.cfg.Name,
	}
	if env.Payload != nil {
		failed.EventID = env.ID.String()
		failed.EventType = env.Type().String()
	}

	if err := c.dlq.SendToDeadLetter(ctx, failed); err != nil {
		return err
	}
	messagesConsumed.WithLabelValues(c.cfg.Name, "dead_lettered").Inc()
	return nil
}
