package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/relayforge/redrive/contracts"
)

// Destination names produced by the core. Retry levels get one destination
// each so a message only becomes visible again after its delay elapsed.
const (
	DestinationMain       = "main"
	DestinationDeadLetter = "dead-letter"

	retryDestinationPrefix = "retry."
)

// RetryDestination returns the destination name for a retry level.
// Level n holds messages whose nth processing attempt failed.
func RetryDestination(level int) string {
	return fmt.Sprintf("%s%d", retryDestinationPrefix, level)
}

// PublishOptions carries per-publish hints to the transport.
type PublishOptions struct {
	// Delay defers visibility of the message on the destination. Transports
	// without native per-message delay may fall back to the destination's
	// configured delay tier.
	Delay time.Duration
}

// PublishOption configures a single publish call.
type PublishOption func(*PublishOptions)

// WithDelay defers delivery by d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) {
		o.Delay = d
	}
}

// Publisher sends messages to named destinations.
type Publisher interface {
	Publish(ctx context.Context, destination string, msg *contracts.Message, options ...PublishOption) error
}

// Delivery is a single consumed message together with its settlement
// handle. Exactly one of Ack or Nack must be called; an abandoned delivery
// is redelivered by the broker.
type Delivery interface {
	// Message returns the delivered message.
	Message() *contracts.Message

	// Ack removes the message from its destination.
	Ack() error

	// Nack returns the message to the broker, optionally requeueing it for
	// redelivery.
	Nack(requeue bool) error
}

// Consumer yields deliveries from a destination. The channel is closed when
// ctx is cancelled or the underlying consumer terminates.
type Consumer interface {
	Consume(ctx context.Context, destination string) (<-chan Delivery, error)
}

// Broker is the transport surface the core depends on. Connection
// negotiation, provisioning and reconnection live behind it.
type Broker interface {
	Publisher
	Consumer
	Close() error
}

// PublishError wraps a failed publish to a retry or dead-letter
// destination. The router reacts by leaving the original message
// unacknowledged so the broker redelivers it.
type PublishError struct {
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Destination, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
