package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBrokerUnavailable is returned when a publish still fails after the
// single reconnect-and-retry. Callers decide whether to drop or surface it.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Config holds the broker connection parameters.
type Config struct {
	URI       string
	Heartbeat time.Duration
}

// Client owns one AMQP connection plus a publishing channel. It is safe for
// concurrent use; each Consume call opens its own channel so consumer prefetch
// never throttles publishes.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects, declares the pipeline topology, and returns a ready client.
func Dial(cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "BrokerClient"),
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp.DialConfig(c.cfg.URI, amqp.Config{Heartbeat: c.cfg.Heartbeat})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	c.conn = conn
	c.ch = ch
	c.logger.Info("Connected to broker")
	return nil
}

// declareTopology is idempotent; every stage declares the full topology so
// processes can start in any order.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		Exchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	for _, key := range []string{RoutePreProcessing, RouteAPNS, RouteGCM} {
		queue := QueueFor(key)
		if _, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}
	return nil
}

// Publish sends a persistent, mandatory message to the pipeline exchange.
// On a transient connection loss it reconnects and retries exactly once;
// a failure after the retry surfaces as ErrBrokerUnavailable.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.publishLocked(ctx, routingKey, body)
	if err == nil {
		return nil
	}

	c.logger.Warn("Publish failed, reconnecting", "routing_key", routingKey, "err", err)
	c.closeLocked()
	if err := c.connect(); err != nil {
		return fmt.Errorf("%w: reconnect failed: %s", ErrBrokerUnavailable, err)
	}
	if err := c.publishLocked(ctx, routingKey, body); err != nil {
		return fmt.Errorf("%w: retry failed: %s", ErrBrokerUnavailable, err)
	}
	return nil
}

func (c *Client) publishLocked(ctx context.Context, routingKey string, body []byte) error {
	return c.ch.PublishWithContext(ctx,
		Exchange,
		routingKey,
		true,  // mandatory: unroutable messages are returned, not dropped
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (c *Client) closeLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the connection. Publish and Consume fail afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// connection returns the live connection for consumers.
func (c *Client) connection() *amqp.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
