package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/redrive/contracts"
)

func archivedMessage(t *testing.T) *contracts.Message {
	t.Helper()
	msg := contracts.NewMessage([]byte("payload"))
	msg.SetAttribute("tenant", "acme")
	return DeliveryTracker{}.Stamp(msg, RetryState{
		Attempt:        3,
		FirstFailureAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		LastErrorClass: "timeout",
	})
}

func TestDeadLetterManagerArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("creates exactly one record and publishes to dead-letter", func(t *testing.T) {
		publisher := newFakePublisher()
		store := NewInMemoryRecordStore()
		m := NewDeadLetterManager(store, publisher)

		record, err := m.Archive(ctx, archivedMessage(t), errors.New("final failure"))
		require.NoError(t, err)
		require.NotNil(t, record)

		count, err := m.OccupancyCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		call := publisher.last()
		assert.Equal(t, DestinationDeadLetter, call.destination)

		assert.False(t, record.FinalizedAt.IsZero())
		assert.Nil(t, record.ReplayedAt)
	})

	t.Run("failure history covers first and final failure", func(t *testing.T) {
		publisher := newFakePublisher()
		m := NewDeadLetterManager(NewInMemoryRecordStore(), publisher)

		record, err := m.Archive(ctx, archivedMessage(t), contracts.Classify("timeout", errors.New("final")))
		require.NoError(t, err)

		require.Len(t, record.FailureHistory, 2)
		assert.Equal(t, 0, record.FailureHistory[0].Attempt)
		assert.Equal(t, 3, record.FailureHistory[1].Attempt)
		assert.Equal(t, "timeout", record.FailureHistory[1].ErrorClass)
	})

	t.Run("dead letter publish failure surfaces as PublishError", func(t *testing.T) {
		publisher := newFakePublisher()
		publisher.failOn(DestinationDeadLetter, errors.New("unreachable"))
		store := NewInMemoryRecordStore()
		m := NewDeadLetterManager(store, publisher)

		_, err := m.Archive(ctx, archivedMessage(t), errors.New("final"))

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)

		count, _ := store.Count(ctx)
		assert.Zero(t, count)
	})
}

func TestDeadLetterManagerReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("emits a fresh message with attempt reset", func(t *testing.T) {
		publisher := newFakePublisher()
		store := NewInMemoryRecordStore()
		m := NewDeadLetterManager(store, publisher)

		record, err := m.Archive(ctx, archivedMessage(t), errors.New("final"))
		require.NoError(t, err)

		fresh, err := m.Replay(ctx, record.ID)
		require.NoError(t, err)

		assert.Equal(t, DestinationMain, publisher.last().destination)
		assert.NotEqual(t, record.Message.ID, fresh.ID)
		assert.Equal(t, record.Message.Payload, fresh.Payload)
		assert.Equal(t, 0, DeliveryTracker{}.Read(fresh).Attempt)

		tenant, _ := fresh.GetAttribute("tenant")
		assert.Equal(t, "acme", tenant)
	})

	t.Run("marks the record replayed without touching the archive", func(t *testing.T) {
		publisher := newFakePublisher()
		store := NewInMemoryRecordStore()
		m := NewDeadLetterManager(store, publisher)

		record, err := m.Archive(ctx, archivedMessage(t), errors.New("final"))
		require.NoError(t, err)
		historyLen := len(record.FailureHistory)

		_, err = m.Replay(ctx, record.ID)
		require.NoError(t, err)

		stored, err := store.Get(ctx, record.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.ReplayedAt)
		assert.Len(t, stored.FailureHistory, historyLen)
		assert.Equal(t, 3, DeliveryTracker{}.Read(stored.Message).Attempt)
	})

	t.Run("unknown record id", func(t *testing.T) {
		m := NewDeadLetterManager(NewInMemoryRecordStore(), newFakePublisher())

		_, err := m.Replay(ctx, "nope")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("failed replay publish leaves the record unmarked", func(t *testing.T) {
		publisher := newFakePublisher()
		store := NewInMemoryRecordStore()
		m := NewDeadLetterManager(store, publisher)

		record, err := m.Archive(ctx, archivedMessage(t), errors.New("final"))
		require.NoError(t, err)

		publisher.failOn(DestinationMain, errors.New("broker gone"))
		_, err = m.Replay(ctx, record.ID)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)

		stored, _ := store.Get(ctx, record.ID)
		assert.Nil(t, stored.ReplayedAt)
	})
}

func TestDeadLetterManagerList(t *testing.T) {
	ctx := context.Background()
	publisher := newFakePublisher()
	store := NewInMemoryRecordStore()
	m := NewDeadLetterManager(store, publisher)

	_, err := m.Archive(ctx, archivedMessage(t), contracts.Classify("timeout", errors.New("a")))
	require.NoError(t, err)
	_, err = m.Archive(ctx, archivedMessage(t), contracts.Classify("schema_version", errors.New("b")))
	require.NoError(t, err)

	t.Run("filter by error class", func(t *testing.T) {
		records, err := m.List(ctx, RecordFilter{ErrorClass: "schema_version"})
		require.NoError(t, err)
		require.Len(t, records, 1)
	})

	t.Run("limit caps results", func(t *testing.T) {
		records, err := m.List(ctx, RecordFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("empty filter returns everything in archive order", func(t *testing.T) {
		records, err := m.List(ctx, RecordFilter{})
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}
