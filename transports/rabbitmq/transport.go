// Package rabbitmq implements messaging.Broker on RabbitMQ.
//
// Retry delays use the broker's TTL plus dead-lettering: each retry level
// gets its own queue whose messages expire back onto the main queue. The
// queue TTL is the level's base delay; a jittered per-publish delay rides
// on the per-message expiration, which RabbitMQ caps at the queue TTL.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayforge/redrive/contracts"
	"github.com/relayforge/redrive/internal/reliability"
	"github.com/relayforge/redrive/messaging"
)

// Connection is the subset of *amqp.Connection the transport uses. The
// caller owns the connection and its reconnection strategy.
type Connection interface {
	Channel() (*amqp.Channel, error)
}

// Transport implements messaging.Broker on an established AMQP connection.
type Transport struct {
	conn        Connection
	exchange    string
	queuePrefix string
	policy      reliability.Policy
	prefetch    int
	logger      *slog.Logger

	mu         sync.Mutex
	publishCh  *amqp.Channel
	consumeChs []*amqp.Channel
	closed     bool
}

// TransportOption configures the transport.
type TransportOption func(*Transport)

// WithQueuePrefix namespaces the exchange and queues. Default "redrive".
func WithQueuePrefix(prefix string) TransportOption {
	return func(t *Transport) {
		t.queuePrefix = prefix
	}
}

// WithRetryPolicy sets the policy used to size the retry queue tiers.
func WithRetryPolicy(policy reliability.Policy) TransportOption {
	return func(t *Transport) {
		t.policy = policy
	}
}

// WithPrefetch sets the consumer prefetch count. Default 10.
func WithPrefetch(count int) TransportOption {
	return func(t *Transport) {
		t.prefetch = count
	}
}

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport wraps an established connection. Call DeclareTopology before
// publishing or consuming.
func NewTransport(conn Connection, options ...TransportOption) (*Transport, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq transport: connection is required")
	}

	t := &Transport{
		conn:        conn,
		queuePrefix: "redrive",
		policy:      reliability.DefaultPolicy(),
		prefetch:    10,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}

	if err := t.policy.Validate(); err != nil {
		return nil, fmt.Errorf("rabbitmq transport: %w", err)
	}
	t.exchange = t.queuePrefix

	return t, nil
}

// DeclareTopology declares the exchange, the main and dead-letter queues,
// and one TTL queue per retry level. Safe to call on every startup; all
// declarations are idempotent.
func (t *Transport) DeclareTopology(ctx context.Context) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("open topology channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(t.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.exchange, err)
	}

	plain := []string{messaging.DestinationMain, messaging.DestinationDeadLetter}
	for _, destination := range plain {
		if err := t.declareQueue(ch, destination, nil); err != nil {
			return err
		}
	}

	// Expired retry messages dead-letter back onto the main queue.
	for level := 0; level < t.policy.MaxRetries; level++ {
		destination := messaging.RetryDestination(level)
		args := amqp.Table{
			"x-message-ttl":             t.policy.BaseDelay(level).Milliseconds(),
			"x-dead-letter-exchange":    t.exchange,
			"x-dead-letter-routing-key": messaging.DestinationMain,
		}
		if err := t.declareQueue(ch, destination, args); err != nil {
			return err
		}
	}

	return nil
}

func (t *Transport) declareQueue(ch *amqp.Channel, destination string, args amqp.Table) error {
	name := t.queueName(destination)
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, destination, t.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}
	return nil
}

// Publish implements messaging.Publisher.
func (t *Transport) Publish(ctx context.Context, destination string, msg *contracts.Message, options ...messaging.PublishOption) error {
	opts := messaging.PublishOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
		Headers:      attributeHeaders(msg),
		Expiration:   delayExpiration(opts.Delay),
	}

	ch, err := t.publishChannel()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ch.PublishWithContext(ctx, t.exchange, destination, false, false, publishing); err != nil {
		// The channel may be dead after a publish error. Drop it so the
		// next publish opens a fresh one.
		t.publishCh = nil
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

// Consume implements messaging.Consumer. The returned channel closes when
// ctx is cancelled or the AMQP channel dies.
func (t *Transport) Consume(ctx context.Context, destination string) (<-chan messaging.Delivery, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(t.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	queue := t.queueName(destination)
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	t.mu.Lock()
	t.consumeChs = append(t.consumeChs, ch)
	t.mu.Unlock()

	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				msg, err := decodeMessage(d)
				if err != nil {
					t.logger.Error("dropping undecodable delivery",
						"queue", queue,
						"messageId", d.MessageId,
						"error", err,
					)
					_ = d.Nack(false, false)
					continue
				}
				select {
				case out <- &delivery{msg: msg, amqp: d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the channels the transport opened. The connection itself
// stays open; it belongs to the caller.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	if t.publishCh != nil {
		if err := t.publishCh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.publishCh = nil
	}
	for _, ch := range t.consumeChs {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.consumeChs = nil
	return firstErr
}

func (t *Transport) publishChannel() (*amqp.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("rabbitmq transport: closed")
	}
	if t.publishCh != nil {
		return t.publishCh, nil
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	t.publishCh = ch
	return ch, nil
}

func (t *Transport) queueName(destination string) string {
	return t.queuePrefix + "." + destination
}

// attributeHeaders mirrors the message attributes into AMQP headers so
// operators can inspect retry state in the management UI without decoding
// the body.
func attributeHeaders(msg *contracts.Message) amqp.Table {
	attrs := msg.Attributes()
	if len(attrs) == 0 {
		return nil
	}
	headers := make(amqp.Table, len(attrs))
	for _, attr := range attrs {
		headers[attr.Key] = attr.Value
	}
	return headers
}

// delayExpiration renders a per-message expiration in milliseconds.
// RabbitMQ clamps it to the queue's x-message-ttl, so a jittered delay
// never exceeds the level's base delay tier.
func delayExpiration(delay time.Duration) string {
	if delay <= 0 {
		return ""
	}
	return strconv.FormatInt(delay.Milliseconds(), 10)
}

func decodeMessage(d amqp.Delivery) (*contracts.Message, error) {
	var msg contracts.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("decode message body: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message body has no id")
	}
	return &msg, nil
}

// delivery adapts amqp.Delivery to messaging.Delivery.
type delivery struct {
	msg  *contracts.Message
	amqp amqp.Delivery
}

func (d *delivery) Message() *contracts.Message {
	return d.msg
}

func (d *delivery) Ack() error {
	return d.amqp.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.amqp.Nack(false, requeue)
}
