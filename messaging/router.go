package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayforge/redrive/contracts"
	"github.com/relayforge/redrive/internal/reliability"
)

// Outcome is the routing decision for one delivery.
type Outcome int

const (
	// OutcomeAcknowledged means the handler succeeded and the message is done.
	OutcomeAcknowledged Outcome = iota + 1

	// OutcomeRetried means the message was republished to a retry destination.
	OutcomeRetried

	// OutcomeDeadLettered means the message was archived.
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead-lettered"
	default:
		return "unknown"
	}
}

// Handler processes a message payload. Returning nil acknowledges the
// message. Failures may be classified with the contracts helpers; anything
// unclassified is treated as transient.
type Handler func(ctx context.Context, payload []byte) error

// MessageRouter decides the fate of each inbound delivery: acknowledge on
// success, republish to a delayed retry destination with updated retry
// attributes, or hand over to the dead letter manager once the retry budget
// is exhausted or the failure is permanent. Handler invocation is guarded
// by a circuit breaker keyed on the handler name.
type MessageRouter struct {
	handlerName string
	handler     Handler
	publisher   Publisher
	deadLetters *DeadLetterManager
	policy      reliability.Policy
	breakers    *reliability.BreakerGroup
	transforms  *TransformationRegistry
	tracker     DeliveryTracker
	metrics     MetricsCollector
	logger      *slog.Logger
}

// RouterOption configures the router.
type RouterOption func(*MessageRouter)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(policy reliability.Policy) RouterOption {
	return func(r *MessageRouter) {
		r.policy = policy
	}
}

// WithBreakerGroup shares a breaker group across routers.
func WithBreakerGroup(group *reliability.BreakerGroup) RouterOption {
	return func(r *MessageRouter) {
		r.breakers = group
	}
}

// WithTransformationRegistry sets the transformer registry.
func WithTransformationRegistry(registry *TransformationRegistry) RouterOption {
	return func(r *MessageRouter) {
		r.transforms = registry
	}
}

// WithRouterMetrics sets the metrics collector.
func WithRouterMetrics(metrics MetricsCollector) RouterOption {
	return func(r *MessageRouter) {
		r.metrics = metrics
	}
}

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *MessageRouter) {
		r.logger = logger
	}
}

// NewMessageRouter creates a router for one named handler. The handler name
// is the circuit breaker dependency key.
func NewMessageRouter(handlerName string, handler Handler, publisher Publisher, deadLetters *DeadLetterManager, options ...RouterOption) (*MessageRouter, error) {
	if handlerName == "" {
		return nil, errors.New("handler name cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if deadLetters == nil {
		return nil, errors.New("dead letter manager cannot be nil")
	}

	r := &MessageRouter{
		handlerName: handlerName,
		handler:     handler,
		publisher:   publisher,
		deadLetters: deadLetters,
		policy:      reliability.DefaultPolicy(),
		breakers:    reliability.NewBreakerGroup(),
		transforms:  NewTransformationRegistry(),
		metrics:     NoOpMetricsCollector{},
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}

	if err := r.policy.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Handle routes one delivery. The returned outcome is valid only when the
// error is nil; on a publish or archive failure the delivery is nacked with
// requeue and the error surfaces to the caller.
func (r *MessageRouter) Handle(ctx context.Context, delivery Delivery) (Outcome, error) {
	start := time.Now()
	outcome, err := r.route(ctx, delivery)
	if err == nil {
		r.metrics.RecordHandleOutcome(r.handlerName, outcome, time.Since(start))
	}
	return outcome, err
}

func (r *MessageRouter) route(ctx context.Context, delivery Delivery) (Outcome, error) {
	msg := delivery.Message()
	state := r.tracker.Read(msg)

	err := r.breakers.Get(r.handlerName).Execute(ctx, func() error {
		return r.handler(ctx, msg.Payload)
	})
	if err == nil {
		if err := delivery.Ack(); err != nil {
			return 0, fmt.Errorf("acknowledge message %s: %w", msg.ID, err)
		}
		return OutcomeAcknowledged, nil
	}

	// A rejection by the breaker says nothing about this message, so its
	// attempt budget is not consumed and no transformation runs. A message
	// that already spent its whole budget has no retry destination left,
	// so it is archived instead of being republished to a tier that does
	// not exist.
	var circuitOpen *reliability.CircuitOpenError
	if errors.As(err, &circuitOpen) {
		if state.Attempt >= r.policy.MaxRetries {
			return r.deadLetter(ctx, delivery, msg, contracts.Classify(contracts.ClassCircuitOpen, err))
		}
		return r.retryCircuitOpen(ctx, delivery, msg, state)
	}

	if contracts.IsPermanent(err) || state.Attempt >= r.policy.MaxRetries {
		return r.deadLetter(ctx, delivery, msg, err)
	}
	return r.retry(ctx, delivery, msg, state, err)
}

// retry transforms the payload for the failure class, stamps the
// incremented retry state and republishes to the retry destination for the
// current attempt with a jittered delay.
func (r *MessageRouter) retry(ctx context.Context, delivery Delivery, msg *contracts.Message, state RetryState, cause error) (Outcome, error) {
	errorClass := contracts.ErrorClassOf(cause)
	payload := r.transforms.Apply(errorClass, msg.Payload, cause)
	delay := r.policy.NextDelay(state.Attempt)

	next := msg.Clone()
	next.Payload = payload
	next = r.tracker.Stamp(next, RetryState{
		Attempt:        state.Attempt + 1,
		FirstFailureAt: firstOr(state.FirstFailureAt, time.Now().UTC()),
		LastErrorClass: errorClass,
	})

	destination := RetryDestination(state.Attempt)
	if err := r.publisher.Publish(ctx, destination, next, WithDelay(delay)); err != nil {
		return r.abandon(delivery, msg, &PublishError{Destination: destination, Err: err})
	}
	if err := delivery.Ack(); err != nil {
		return 0, fmt.Errorf("acknowledge replaced message %s: %w", msg.ID, err)
	}

	r.metrics.RecordRetryScheduled(state.Attempt, errorClass)
	r.logger.Info("message scheduled for retry",
		"messageId", msg.ID,
		"handler", r.handlerName,
		"attempt", state.Attempt+1,
		"destination", destination,
		"delay", delay,
		"errorClass", errorClass,
		"error", cause,
	)
	return OutcomeRetried, nil
}

// retryCircuitOpen reschedules the message at its current attempt, delayed
// by the policy but with neither a transformation nor an attempt increment:
// the downstream is known bad and the message is not to blame.
func (r *MessageRouter) retryCircuitOpen(ctx context.Context, delivery Delivery, msg *contracts.Message, state RetryState) (Outcome, error) {
	delay := r.policy.NextDelay(state.Attempt)

	next := r.tracker.Stamp(msg, RetryState{
		Attempt:        state.Attempt,
		FirstFailureAt: firstOr(state.FirstFailureAt, time.Now().UTC()),
		LastErrorClass: contracts.ClassCircuitOpen,
	})

	destination := RetryDestination(state.Attempt)
	if err := r.publisher.Publish(ctx, destination, next, WithDelay(delay)); err != nil {
		return r.abandon(delivery, msg, &PublishError{Destination: destination, Err: err})
	}
	if err := delivery.Ack(); err != nil {
		return 0, fmt.Errorf("acknowledge replaced message %s: %w", msg.ID, err)
	}

	r.metrics.RecordRetryScheduled(state.Attempt, contracts.ClassCircuitOpen)
	r.logger.Warn("circuit open, message rescheduled without consuming attempt",
		"messageId", msg.ID,
		"handler", r.handlerName,
		"attempt", state.Attempt,
		"delay", delay,
	)
	return OutcomeRetried, nil
}

func (r *MessageRouter) deadLetter(ctx context.Context, delivery Delivery, msg *contracts.Message, cause error) (Outcome, error) {
	if _, err := r.deadLetters.Archive(ctx, msg, cause); err != nil {
		return r.abandon(delivery, msg, err)
	}
	if err := delivery.Ack(); err != nil {
		return 0, fmt.Errorf("acknowledge archived message %s: %w", msg.ID, err)
	}
	return OutcomeDeadLettered, nil
}

// abandon leaves the original message with the broker after a failed
// republish or archive. Acknowledging here would lose the message, so it is
// nacked for redelivery instead.
func (r *MessageRouter) abandon(delivery Delivery, msg *contracts.Message, cause error) (Outcome, error) {
	if nackErr := delivery.Nack(true); nackErr != nil {
		r.logger.Error("failed to nack message after publish failure",
			"messageId", msg.ID,
			"error", nackErr,
		)
	}
	return 0, cause
}
