package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is the handler's verdict on one message.
type Outcome int

const (
	// Ack confirms the message after all its side effects are committed.
	Ack Outcome = iota
	// Drop rejects the message without requeue. Poison messages take this
	// path so they cannot loop forever.
	Drop
)

// Handler processes one message body. It runs serially: prefetch=1 guarantees
// the broker never delivers the next message before the verdict on the
// current one.
type Handler func(ctx context.Context, body []byte) Outcome

// Consumer runs a long-lived serial consume loop on one queue.
type Consumer struct {
	client  *Client
	queue   string
	handler Handler
	logger  *slog.Logger
}

// NewConsumer wires a handler to a queue. Start does the channel work.
func NewConsumer(client *Client, queue string, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:  client,
		queue:   queue,
		handler: handler,
		logger:  logger.With("component", "Consumer", "queue", queue),
	}
}

// Start consumes until ctx is cancelled or the connection dies. A dead
// connection returns an error so the process can exit and be restarted;
// mid-flight handlers are not cancellable by design.
func (c *Consumer) Start(ctx context.Context) error {
	conn := c.client.connection()
	if conn == nil {
		return fmt.Errorf("consume %s: client is closed", c.queue)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("consume %s: open channel: %w", c.queue, err)
	}
	defer ch.Close()

	// One unacked message at a time: back-pressure and strict serialization.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("consume %s: set qos: %w", c.queue, err)
	}

	deliveries, err := ch.Consume(
		c.queue,
		"",    // consumer tag, broker-generated
		false, // auto-ack off, the handler decides
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: register consumer: %w", c.queue, err)
	}

	c.logger.Info("Consuming")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping", "reason", ctx.Err())
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", c.queue)
			}
			c.dispatch(ctx, ch, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	switch c.handler(ctx, d.Body) {
	case Ack:
		if err := ch.Ack(d.DeliveryTag, false); err != nil {
			c.logger.Error("Ack failed", "delivery_tag", d.DeliveryTag, "err", err)
		}
	case Drop:
		c.logger.Warn("Dropping message", "delivery_tag", d.DeliveryTag)
		if err := ch.Nack(d.DeliveryTag, false, false); err != nil {
			c.logger.Error("Nack failed", "delivery_tag", d.DeliveryTag, "err", err)
		}
	}
}
