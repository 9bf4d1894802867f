package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/redrive/contracts"
)

// DeadLetterManager owns the dead-letter destination. Archiving publishes
// the terminal message to the dead-letter destination and appends an
// immutable record to the store; replay emits a fresh message to the main
// destination and only touches the record's audit field.
type DeadLetterManager struct {
	store     RecordStore
	publisher Publisher
	tracker   DeliveryTracker
	metrics   MetricsCollector
	logger    *slog.Logger
}

// DeadLetterOption configures the manager.
type DeadLetterOption func(*DeadLetterManager)

// WithDeadLetterLogger sets the logger.
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(m *DeadLetterManager) {
		m.logger = logger
	}
}

// WithDeadLetterMetrics sets the metrics collector.
func WithDeadLetterMetrics(metrics MetricsCollector) DeadLetterOption {
	return func(m *DeadLetterManager) {
		m.metrics = metrics
	}
}

// NewDeadLetterManager creates a manager backed by the given store and
// publisher.
func NewDeadLetterManager(store RecordStore, publisher Publisher, options ...DeadLetterOption) *DeadLetterManager {
	m := &DeadLetterManager{
		store:     store,
		publisher: publisher,
		metrics:   NoOpMetricsCollector{},
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Archive finalizes msg after its last failure. It publishes the message to
// the dead-letter destination and appends exactly one record. A failed
// publish surfaces as *PublishError so the caller leaves the original
// delivery unacknowledged.
func (m *DeadLetterManager) Archive(ctx context.Context, msg *contracts.Message, cause error) (*contracts.DeadLetterRecord, error) {
	state := m.tracker.Read(msg)
	now := time.Now().UTC()
	finalClass := contracts.ErrorClassOf(cause)

	terminal := m.tracker.Stamp(msg, RetryState{
		Attempt:        state.Attempt,
		FirstFailureAt: firstOr(state.FirstFailureAt, now),
		LastErrorClass: finalClass,
	})

	if err := m.publisher.Publish(ctx, DestinationDeadLetter, terminal); err != nil {
		return nil, &PublishError{Destination: DestinationDeadLetter, Err: err}
	}

	record := &contracts.DeadLetterRecord{
		ID:             uuid.New().String(),
		Message:        terminal,
		FailureHistory: buildFailureHistory(state, finalClass, now),
		FinalizedAt:    now,
	}

	if err := m.store.Append(ctx, record); err != nil {
		return nil, fmt.Errorf("append dead letter record: %w", err)
	}

	m.metrics.RecordDeadLetter(finalClass)
	m.logger.Info("message dead lettered",
		"messageId", msg.ID,
		"recordId", record.ID,
		"attempt", state.Attempt,
		"errorClass", finalClass,
		"error", cause,
	)
	return record, nil
}

// List returns archived records matching the filter.
func (m *DeadLetterManager) List(ctx context.Context, filter RecordFilter) ([]*contracts.DeadLetterRecord, error) {
	return m.store.List(ctx, filter)
}

// Replay emits a fresh copy of an archived message to the main destination
// with its retry attributes stripped and a new message ID. The archived
// record is never mutated; ReplayedAt is stamped for audit.
func (m *DeadLetterManager) Replay(ctx context.Context, recordID string) (*contracts.Message, error) {
	record, err := m.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}

	fresh := m.tracker.Strip(record.Message)
	fresh.ID = uuid.New().String()
	fresh.Timestamp = time.Now().UTC()

	if err := m.publisher.Publish(ctx, DestinationMain, fresh); err != nil {
		return nil, &PublishError{Destination: DestinationMain, Err: err}
	}

	if err := m.store.MarkReplayed(ctx, recordID, time.Now().UTC()); err != nil {
		// The message is already on its way; surface the audit failure
		// instead of pretending the replay did not happen.
		return fresh, fmt.Errorf("mark record replayed: %w", err)
	}

	m.metrics.RecordReplay()
	m.logger.Info("dead letter record replayed",
		"recordId", recordID,
		"newMessageId", fresh.ID,
	)
	return fresh, nil
}

// OccupancyCount returns the number of archived records.
func (m *DeadLetterManager) OccupancyCount(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// buildFailureHistory reconstructs the provable failure history from the
// message's retry attributes plus the final failure. Intermediate attempts
// are not individually timestamped on the message, so only the first and
// final failures appear.
func buildFailureHistory(state RetryState, finalClass string, now time.Time) []contracts.FailureEvent {
	history := make([]contracts.FailureEvent, 0, 2)
	if state.Attempt > 0 && !state.FirstFailureAt.IsZero() {
		history = append(history, contracts.FailureEvent{
			Timestamp:  state.FirstFailureAt,
			ErrorClass: state.LastErrorClass,
			Attempt:    0,
		})
	}
	history = append(history, contracts.FailureEvent{
		Timestamp:  now,
		ErrorClass: finalClass,
		Attempt:    state.Attempt,
	})
	return history
}

func firstOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
