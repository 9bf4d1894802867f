package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relayforge/redrive/contracts"
)

// ErrRecordNotFound is returned when a dead letter record does not exist.
var ErrRecordNotFound = errors.New("dead letter record not found")

// RecordFilter narrows List results. Zero values match everything.
type RecordFilter struct {
	ErrorClass string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// RecordStore persists dead letter records. Append is the only write to a
// record's content; MarkReplayed touches the audit field only.
type RecordStore interface {
	Append(ctx context.Context, record *contracts.DeadLetterRecord) error
	Get(ctx context.Context, id string) (*contracts.DeadLetterRecord, error)
	List(ctx context.Context, filter RecordFilter) ([]*contracts.DeadLetterRecord, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	Count(ctx context.Context) (int, error)
}

// InMemoryRecordStore keeps dead letter records in process memory. Suitable
// for tests and single-process deployments; production setups use the
// Postgres store.
type InMemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*contracts.DeadLetterRecord
	order   []string
}

// NewInMemoryRecordStore creates an empty store.
func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{
		records: make(map[string]*contracts.DeadLetterRecord),
	}
}

// Append implements RecordStore.
func (s *InMemoryRecordStore) Append(ctx context.Context, record *contracts.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return errors.New("dead letter record already exists: " + record.ID)
	}
	s.records[record.ID] = record
	s.order = append(s.order, record.ID)
	return nil
}

// Get implements RecordStore.
func (s *InMemoryRecordStore) Get(ctx context.Context, id string) (*contracts.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// List implements RecordStore. Records come back in archive order.
func (s *InMemoryRecordStore) List(ctx context.Context, filter RecordFilter) ([]*contracts.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*contracts.DeadLetterRecord
	for _, id := range s.order {
		rec := s.records[id]
		if !matchesFilter(rec, filter) {
			continue
		}
		results = append(results, rec)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// MarkReplayed implements RecordStore.
func (s *InMemoryRecordStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.ReplayedAt = &at
	return nil
}

// Count implements RecordStore.
func (s *InMemoryRecordStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func matchesFilter(rec *contracts.DeadLetterRecord, filter RecordFilter) bool {
	if filter.ErrorClass != "" {
		if len(rec.FailureHistory) == 0 {
			return false
		}
		last := rec.FailureHistory[len(rec.FailureHistory)-1]
		if last.ErrorClass != filter.ErrorClass {
			return false
		}
	}
	if !filter.Since.IsZero() && rec.FinalizedAt.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && rec.FinalizedAt.After(filter.Until) {
		return false
	}
	return true
}
