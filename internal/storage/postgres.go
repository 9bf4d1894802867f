// Package storage provides the Postgres-backed dead letter record store.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relayforge/redrive/contracts"
	"github.com/relayforge/redrive/messaging"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letter_records (
	id              TEXT PRIMARY KEY,
	message_id      TEXT NOT NULL,
	message         JSONB NOT NULL,
	failure_history JSONB NOT NULL,
	error_class     TEXT NOT NULL,
	finalized_at    TIMESTAMPTZ NOT NULL,
	replayed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_dlr_finalized_at ON dead_letter_records (finalized_at);
CREATE INDEX IF NOT EXISTS idx_dlr_error_class ON dead_letter_records (error_class);
`

// PostgresRecordStore implements messaging.RecordStore on Postgres.
// Different records are independent rows, so concurrent archives never
// contend; the append-only discipline is enforced by only ever inserting.
type PostgresRecordStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresRecordStore)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) PostgresOption {
	return func(s *PostgresRecordStore) {
		s.logger = logger
	}
}

// NewPostgresRecordStore wraps an open database handle.
func NewPostgresRecordStore(db *sqlx.DB, options ...PostgresOption) *PostgresRecordStore {
	s := &PostgresRecordStore{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// EnsureSchema creates the dead letter table if it does not exist.
func (s *PostgresRecordStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure dead letter schema: %w", err)
	}
	return nil
}

type recordRow struct {
	ID             string     `db:"id"`
	MessageID      string     `db:"message_id"`
	Message        []byte     `db:"message"`
	FailureHistory []byte     `db:"failure_history"`
	ErrorClass     string     `db:"error_class"`
	FinalizedAt    time.Time  `db:"finalized_at"`
	ReplayedAt     *time.Time `db:"replayed_at"`
}

// Append implements messaging.RecordStore.
func (s *PostgresRecordStore) Append(ctx context.Context, record *contracts.DeadLetterRecord) error {
	msg, err := json.Marshal(record.Message)
	if err != nil {
		return fmt.Errorf("marshal archived message: %w", err)
	}
	history, err := json.Marshal(record.FailureHistory)
	if err != nil {
		return fmt.Errorf("marshal failure history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_records
			(id, message_id, message, failure_history, error_class, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.Message.ID, msg, history, lastErrorClass(record), record.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter record: %w", err)
	}
	return nil
}

// Get implements messaging.RecordStore.
func (s *PostgresRecordStore) Get(ctx context.Context, id string) (*contracts.DeadLetterRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, message_id, message, failure_history, error_class, finalized_at, replayed_at
		FROM dead_letter_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, messaging.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter record: %w", err)
	}
	return row.toRecord()
}

// List implements messaging.RecordStore. Records come back in archive order.
func (s *PostgresRecordStore) List(ctx context.Context, filter messaging.RecordFilter) ([]*contracts.DeadLetterRecord, error) {
	query := `
		SELECT id, message_id, message, failure_history, error_class, finalized_at, replayed_at
		FROM dead_letter_records WHERE 1=1`
	var args []interface{}

	if filter.ErrorClass != "" {
		args = append(args, filter.ErrorClass)
		query += fmt.Sprintf(" AND error_class = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND finalized_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND finalized_at <= $%d", len(args))
	}
	query += " ORDER BY finalized_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list dead letter records: %w", err)
	}

	records := make([]*contracts.DeadLetterRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// MarkReplayed implements messaging.RecordStore.
func (s *PostgresRecordStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_records SET replayed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark record replayed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark record replayed: %w", err)
	}
	if affected == 0 {
		return messaging.ErrRecordNotFound
	}
	return nil
}

// Count implements messaging.RecordStore.
func (s *PostgresRecordStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM dead_letter_records`); err != nil {
		return 0, fmt.Errorf("count dead letter records: %w", err)
	}
	return count, nil
}

func (r recordRow) toRecord() (*contracts.DeadLetterRecord, error) {
	var msg contracts.Message
	if err := json.Unmarshal(r.Message, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal archived message %s: %w", r.ID, err)
	}
	var history []contracts.FailureEvent
	if err := json.Unmarshal(r.FailureHistory, &history); err != nil {
		return nil, fmt.Errorf("unmarshal failure history %s: %w", r.ID, err)
	}
	return &contracts.DeadLetterRecord{
		ID:             r.ID,
		Message:        &msg,
		FailureHistory: history,
		FinalizedAt:    r.FinalizedAt,
		ReplayedAt:     r.ReplayedAt,
	}, nil
}

func lastErrorClass(record *contracts.DeadLetterRecord) string {
	if len(record.FailureHistory) == 0 {
		return contracts.ClassTransient
	}
	return record.FailureHistory[len(record.FailureHistory)-1].ErrorClass
}
