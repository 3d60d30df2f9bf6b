// internal/events/publisher.go
package events

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

var ErrPublisherClosed = errors.New("publisher is closed")

// Message is one ledger change event, already encoded. Key is the asset id so
// that all events of one asset land on the same partition in order.
type Message struct {
	ID         string
	Type       string
	Key        string
	OccurredAt time.Time
	Value      []byte
}

// Publisher hands committed ledger events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// LogPublisher only logs events. Used when no broker is configured; the
// outbox table still holds every event.
type LogPublisher struct {
	logger *logrus.Logger
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, msgs ...Message) error {
	for _, m := range msgs {
		p.logger.WithFields(logrus.Fields{
			"event_id":   m.ID,
			"event_type": m.Type,
			"asset_id":   m.Key,
		}).Info("Ownership event emitted")
	}
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

// Writer abstracts kafka.Writer for testing.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// KafkaPublisher writes events to a single topic keyed by asset id.
type KafkaPublisher struct {
	writer Writer
	logger *logrus.Logger
	closed atomic.Bool
}

func NewKafkaPublisher(cfg KafkaConfig, logger *logrus.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: false,
	}

	return newKafkaPublisher(writer, logger), nil
}

func newKafkaPublisher(w Writer, logger *logrus.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	kMsgs := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		kMsgs[i] = kafka.Message{
			Key:   []byte(m.Key),
			Value: m.Value,
			Time:  m.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(m.ID)},
				{Key: "event_type", Value: []byte(m.Type)},
			},
		}
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, kMsgs...); err != nil {
		p.logger.WithError(err).WithField("count", len(msgs)).Warn("Failed to publish ownership events")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"count":      len(msgs),
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("Ownership events published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.writer.Close()
}
