package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ExchangeName = "makex.tasks"
	ExchangeType = "topic"
	QueueName    = "makex.tasks"
)

// RoutingKey returns the routing key of a task
func RoutingKey(taskID string) string {
	return "task." + taskID
}

// RabbitQueue publishes and consumes task messages over RabbitMQ
type RabbitQueue struct {
	conn      *amqp.Connection
	publishCh *amqp.Channel
	consumeCh *amqp.Channel
	registry  *Registry
	logger    *zap.Logger
}

// NewRabbitQueue connects and declares the exchange, queue and binding
func NewRabbitQueue(url string, registry *Registry, logger *zap.Logger) (*RabbitQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = publishCh.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = publishCh.QueueDeclare(
		QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := publishCh.QueueBind(QueueName, "task.*", ExchangeName, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitQueue{conn: conn, publishCh: publishCh, registry: registry, logger: logger}, nil
}

// Trigger publishes the first attempt of a task run
func (q *RabbitQueue) Trigger(ctx context.Context, taskID string, p Payload) (string, error) {
	if _, err := q.registry.Get(taskID); err != nil {
		return "", err
	}
	msg := NewMessage(taskID, p)
	if err := q.publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (q *RabbitQueue) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}

	err = q.publishCh.PublishWithContext(
		ctx,
		ExchangeName,
		RoutingKey(msg.TaskID),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    msg.ID,
			Timestamp:    msg.EnqueuedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task %s: %w", msg.TaskID, err)
	}
	return nil
}

// Consume processes task messages one at a time until ctx is cancelled. A
// delivery in progress when ctx ends is finished before Consume returns.
func (q *RabbitQueue) Consume(ctx context.Context, consumerTag string) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	q.consumeCh = ch

	// Process one message at a time
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		QueueName,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.logger.Info("task consumer started", zap.String("queue", QueueName))

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("task consumer shutting down")
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			q.handleDelivery(ctx, d)
		}
	}
}

func (q *RabbitQueue) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		q.logger.Error("dropping malformed task message", zap.Error(err))
		d.Nack(false, false)
		return
	}

	// Handle logs the outcome; a failure without a next attempt is abandoned
	next, _ := q.registry.Handle(ctx, msg)
	if next != nil {
		if perr := q.publish(context.WithoutCancel(ctx), *next); perr != nil {
			// Requeue the original so the retry is not lost
			q.logger.Error("failed to enqueue retry", zap.String("task", msg.TaskID), zap.Error(perr))
			d.Nack(false, true)
			return
		}
	}
	d.Ack(false)
}

// Close closes the channels and connection
func (q *RabbitQueue) Close() error {
	if q.consumeCh != nil {
		q.consumeCh.Close()
	}
	if q.publishCh != nil {
		q.publishCh.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
