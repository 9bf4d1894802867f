package contracts

import "time"

// FailureEvent is one entry in a dead letter record's failure history.
type FailureEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	ErrorClass string    `json:"errorClass"`
	Attempt    int       `json:"attempt"`
}

// DeadLetterRecord archives a message that exhausted its retry budget or
// failed permanently. Records are append-only: replay emits a fresh message
// and stamps ReplayedAt for audit, it never touches the archived content.
type DeadLetterRecord struct {
	ID             string         `json:"id"`
	Message        *Message       `json:"message"`
	FailureHistory []FailureEvent `json:"failureHistory"`
	FinalizedAt    time.Time      `json:"finalizedAt"`
	ReplayedAt     *time.Time     `json:"replayedAt,omitempty"`
}
