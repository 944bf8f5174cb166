package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/punchamoorthee/walletsettle/internal/logger"
)

// FailedMessage is the dead-letter record for a message that can never be
// processed as delivered.
type FailedMessage struct {
	OriginalMessage []byte    `json:"originalMessage"`
	EventID         string    `json:"eventId,omitempty"`
	EventType       string    `json:"eventType,omitempty"`
	ErrorType       string    `json:"errorType"`
	ErrorReason     string    `json:"errorReason"`
	FailedAt        time.Time `json:"failedAt"`
	RetryCount      int       `json:"retryCount"`
	SourceTopic     string    `json:"sourceTopic"`
	Partition       int       `json:"partition"`
	Offset          int64     `json:"offset"`
	Consumer        string    `json:"consumer"`
}

type DeadLetterer interface {
	SendToDeadLetter(ctx context.Context, msg FailedMessage) error
}

// DeadLetterProducer writes FailedMessage records to the dead-letter topic.
type DeadLetterProducer struct {
	writer messageWriter
	topic  string
}

func NewDeadLetterProducer(brokers []string, topic string) *DeadLetterProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	logger.Info("dead-letter producer initialized", logger.Fields{"topic": topic})
	return &DeadLetterProducer{writer: writer, topic: topic}
}

func (p *DeadLetterProducer) SendToDeadLetter(ctx context.Context, msg FailedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := msg.EventID
	if key == "" {
		key = msg.SourceTopic
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload}); err != nil {
		logger.Error("dead-letter write failed", err, logger.Fields{"event_id": msg.EventID, "topic": p.topic})
		return err
	}

	logger.Warn("message dead-lettered", logger.Fields{
		"event_id":     msg.EventID,
		"event_type":   msg.EventType,
		"error_type":   msg.ErrorType,
		"error":        msg.ErrorReason,
		"source_topic": msg.SourceTopic,
		"offset":       msg.Offset,
	})
	return nil
}

func (p *DeadLetterProducer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
