package messaging

import (
	"strconv"
	"time"

	"github.com/relayforge/redrive/contracts"
)

// RetryState is the retry metadata carried on a message's attributes.
type RetryState struct {
	// Attempt counts retry republications so far. Zero for a message that
	// has never failed.
	Attempt int

	// FirstFailureAt is when the message first failed; zero if it never has.
	FirstFailureAt time.Time

	// LastErrorClass is the class of the most recent failure, empty if none.
	LastErrorClass string
}

// DeliveryTracker reads and writes retry state on message attributes. It is
// stateless; both operations are pure functions over the attribute set so
// the same state is visible to every worker and survives restarts.
type DeliveryTracker struct{}

// Read extracts the retry state from msg. It never fails: absent or
// malformed attributes yield the zero state.
func (DeliveryTracker) Read(msg *contracts.Message) RetryState {
	var state RetryState

	if v, ok := msg.GetAttribute(contracts.AttrRetryCount); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			state.Attempt = n
		}
	}
	if v, ok := msg.GetAttribute(contracts.AttrFirstFailureAt); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			state.FirstFailureAt = ts
		}
	}
	if v, ok := msg.GetAttribute(contracts.AttrLastErrorClass); ok {
		state.LastErrorClass = v
	}
	return state
}

// Stamp returns a copy of msg with the retry attributes set from state.
// All other attributes and the payload are left untouched.
func (DeliveryTracker) Stamp(msg *contracts.Message, state RetryState) *contracts.Message {
	out := msg.Clone()
	out.SetAttribute(contracts.AttrRetryCount, strconv.Itoa(state.Attempt))
	if !state.FirstFailureAt.IsZero() {
		out.SetAttribute(contracts.AttrFirstFailureAt, state.FirstFailureAt.UTC().Format(time.RFC3339Nano))
	}
	if state.LastErrorClass != "" {
		out.SetAttribute(contracts.AttrLastErrorClass, state.LastErrorClass)
	}
	return out
}

// Strip returns a copy of msg with all retry attributes removed. Used by
// replay to emit a fresh message with attempt reset to zero.
func (DeliveryTracker) Strip(msg *contracts.Message) *contracts.Message {
	out := msg.Clone()
	out.DeleteAttribute(contracts.AttrRetryCount)
	out.DeleteAttribute(contracts.AttrFirstFailureAt)
	out.DeleteAttribute(contracts.AttrLastErrorClass)
	return out
}
