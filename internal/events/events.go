package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/sandbox"
)

// DefaultTopic carries sandbox status changes
const DefaultTopic = "sandbox.status"

// StatusEvent describes one sandbox status transition
type StatusEvent struct {
	AppID        string               `json:"app_id"`
	UserID       string               `json:"user_id"`
	SandboxRowID string               `json:"sandbox_row_id"`
	SandboxID    string               `json:"sandbox_id,omitempty"`
	Provider     sandbox.ProviderName `json:"provider"`
	From         sandbox.Status       `json:"from"`
	To           sandbox.Status       `json:"to"`
	Reason       string               `json:"reason,omitempty"`
	At           time.Time            `json:"at"`
}

// Publisher emits status events
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
	Close() error
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, StatusEvent) error { return nil }
func (NopPublisher) Close() error                               { return nil }

// KafkaConfig holds Kafka producer configuration
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// KafkaPublisher writes status events keyed by app ID, so one app's
// events land on one partition in order
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a new Kafka publisher
func NewKafkaPublisher(config KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &KafkaPublisher{logger: logger}
	// Events are published while the app lock is held; a slow broker must
	// not stall status transitions
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
		Async:                  true,
		Completion:             p.completed,
	}
	return p, nil
}

func (p *KafkaPublisher) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	keys := make([]string, 0, len(messages))
	for _, m := range messages {
		keys = append(keys, string(m.Key))
	}
	p.logger.Warn("failed to deliver status events", zap.Strings("app_ids", keys), zap.Error(err))
}

// Publish queues an event for delivery. Delivery failures are logged, not returned.
func (p *KafkaPublisher) Publish(ctx context.Context, ev StatusEvent) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Encode builds the Kafka message for an event
func Encode(ev StatusEvent) (kafka.Message, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal status event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.AppID),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("sandbox.status." + string(ev.To))},
		},
	}, nil
}

// ParseBrokers splits a comma separated broker list
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
