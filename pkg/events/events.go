// Package events publishes settlement events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Topic names the stream an event goes to.
type Topic string

const (
	TopicRoutes      Topic = "perpcore.routes"
	TopicLiquidation Topic = "perpcore.liquidations"
	TopicFunds       Topic = "perpcore.funds"
)

// Event is one published record. Key is used for partitioning.
type Event struct {
	Topic   Topic     `json:"-"`
	Key     string    `json:"key"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Memory keeps events in order for tests and the websocket feed.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// KafkaConfig configures the kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
}

func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1,
	}
}

// Kafka writes JSON-encoded events with one writer per topic.
type Kafka struct {
	cfg     KafkaConfig
	mu      sync.Mutex
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
}

func NewKafka(cfg KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{cfg: cfg, writers: make(map[Topic]*kafka.Writer), logger: logger}, nil
}

func (k *Kafka) writer(topic Topic) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	w, ok := k.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(k.cfg.Brokers...),
			Topic:        string(topic),
			Balancer:     &kafka.Hash{},
			BatchTimeout: k.cfg.BatchTimeout,
			WriteTimeout: k.cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(k.cfg.RequiredAcks),
		}
		k.writers[topic] = w
	}
	return w
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	msg := kafka.Message{Key: []byte(ev.Key), Value: value, Time: ev.At}
	if err := k.writer(ev.Topic).WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("event_publish_failed",
			zap.String("topic", string(ev.Topic)),
			zap.String("type", ev.Type),
			zap.Error(err))
		return err
	}
	return nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var first error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", topic, err)
		}
	}
	return first
}

// Fanout publishes to every sink and returns the joined errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
