// Package queue provides the RabbitMQ message bus of the HCC pipeline.
// All pipeline events travel over one durable topic exchange; each stage
// worker consumes from its own durable queue bound under the routing key of
// the event it handles.
//
// Features:
//   - Topic exchange declaration and queue binding
//   - Persistent JSON message publishing with optional priority
//   - Manual-ack consumer loop with QoS prefetch
//   - Dialer/connection/channel interfaces for testing with mocks
//   - Error handling with wrapped errors
//
// Delivery contract: at-least-once. Handlers ack on success and on
// non-retryable failures (the failure lands in the registry, not the
// queue); only skeleton-level programming errors reach the nack path.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
)

// Publisher is the outbound side of the bus, implemented by RabbitMQBus and
// mocked in tests of the gateway, the watcher, and the stage workers.
type Publisher interface {
	// Publish sends one JSON payload under the given routing key.
	Publish(routingKey string, message interface{}) error

	// PublishWithPriority sends one JSON payload with an advisory AMQP
	// priority. No priority queue is declared; brokers without priority
	// support deliver in plain FIFO order.
	PublishWithPriority(routingKey string, message interface{}, priority uint8) error
}

// DeliveryHandler processes one delivery and reports whether it was handled.
// The consumer loop acks on a nil error and nacks without requeue otherwise.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// RabbitMQBus manages a connection and channel to a RabbitMQ server and
// provides publish and consume operations on the pipeline topic exchange.
type RabbitMQBus struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     config.BrokerConfig
	log        *common.ContextLogger
}

// NewRabbitMQBus connects to RabbitMQ and declares the topic exchange.
func NewRabbitMQBus(cfg config.BrokerConfig) (*RabbitMQBus, error) {
	return NewRabbitMQBusWithDialer(cfg, &RealAMQPDialer{})
}

// NewRabbitMQBusWithDialer creates the bus with an injected dialer.
//
// The function:
//  1. Connects to the RabbitMQ server using the URL from config
//  2. Opens a channel on the connection
//  3. Declares the durable topic exchange
//
// If any step fails, resources created so far are cleaned up before the
// error is returned.
func NewRabbitMQBusWithDialer(cfg config.BrokerConfig, dialer AMQPDialer) (*RabbitMQBus, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-delete
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQBus{
		connection: conn,
		channel:    ch,
		config:     cfg,
		log:        common.NewContextLogger(common.Logger, map[string]interface{}{"exchange": cfg.Exchange}),
	}, nil
}

// DeclareQueue declares a durable queue and binds it to the exchange under
// the given routing key. Safe to call repeatedly; declaration is idempotent.
func (b *RabbitMQBus) DeclareQueue(name, routingKey string) error {
	if _, err := b.channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	if err := b.channel.QueueBind(name, routingKey, b.config.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", name, routingKey, err)
	}

	return nil
}

// Publish serializes the message to JSON and publishes it persistently to
// the topic exchange under the routing key.
func (b *RabbitMQBus) Publish(routingKey string, message interface{}) error {
	return b.PublishWithPriority(routingKey, message, 0)
}

// PublishWithPriority publishes with an advisory AMQP priority.
func (b *RabbitMQBus) PublishWithPriority(routingKey string, message interface{}, priority uint8) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = b.channel.Publish(
		b.config.Exchange, // exchange
		routingKey,        // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	b.log.WithField("routing_key", routingKey).Debug("Published message")
	return nil
}

// Consume runs the manual-ack consumer loop on the given queue until ctx is
// cancelled or the delivery channel closes. One message is in flight at a
// time (QoS prefetch from config, default 1).
//
// Ack policy: a nil handler error acks the delivery. A handler error nacks
// without requeue; handlers are expected to have persisted the failure in
// the registry first, so the queue never spins on a poisoned message.
func (b *RabbitMQBus) Consume(ctx context.Context, queueName string, handler DeliveryHandler) error {
	prefetch := b.config.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := b.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := b.channel.Consume(
		queueName, // queue
		"",        // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming from %s: %w", queueName, err)
	}

	b.log.WithField("queue", queueName).Info("Consumer started")

	for {
		select {
		case <-ctx.Done():
			b.log.WithField("queue", queueName).Info("Consumer stopping")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for queue %s", queueName)
			}
			if err := handler(ctx, delivery); err != nil {
				b.log.WithError(err).Error("Handler failed, rejecting delivery")
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					b.log.WithError(nackErr).Error("Failed to nack delivery")
				}
				continue
			}
			if ackErr := delivery.Ack(false); ackErr != nil {
				b.log.WithError(ackErr).Error("Failed to ack delivery")
			}
		}
	}
}

// QueueDepth reports the message count of a queue.
func (b *RabbitMQBus) QueueDepth(name string) (int, error) {
	q, err := b.channel.QueueInspect(name)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}
	return q.Messages, nil
}

// Close closes the RabbitMQ channel and connection.
// Handles nil members gracefully so a partially constructed bus can be
// closed safely.
func (b *RabbitMQBus) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}
