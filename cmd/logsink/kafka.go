package logsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrKafkaConfig = errors.New("kafka log sink requires brokers and a topic")

// KafkaConfig configures the Kafka log sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// MessageWriter publishes messages. *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each event as a JSON message keyed by run id.
type KafkaSink struct {
	cfg       KafkaConfig
	newWriter func(KafkaConfig) MessageWriter

	mu     sync.Mutex
	writer MessageWriter
}

// NewKafkaSink validates cfg and returns a sink. The writer is created on
// the first event.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, ErrKafkaConfig
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaSink{cfg: cfg, newWriter: newKafkaWriter}, nil
}

// WithWriter replaces the Kafka writer factory.
func (k *KafkaSink) WithWriter(fn func(KafkaConfig) MessageWriter) *KafkaSink {
	k.newWriter = fn
	return k
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Emit(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize log event: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.writer == nil {
		k.writer = k.newWriter(k.cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, k.cfg.WriteTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.RunID), Value: value}); err != nil {
		return fmt.Errorf("failed to write to Kafka: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.writer == nil {
		return nil
	}
	err := k.writer.Close()
	k.writer = nil
	return err
}

func newKafkaWriter(cfg KafkaConfig) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
	}
}
