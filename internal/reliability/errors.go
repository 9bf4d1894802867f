package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen matches any *CircuitOpenError via errors.Is.
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrUnknownState indicates a corrupted breaker state value.
	ErrUnknownState = errors.New("circuit breaker: unknown state")
)

// CircuitOpenError is the synthetic failure returned when a breaker rejects
// an invocation without calling the handler.
type CircuitOpenError struct {
	Key                 string
	State               State
	ConsecutiveFailures int
	FailureThreshold    int
	LastFailureAt       time.Time
	RetryAt             time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: trial in flight", e.Key)
	}
	retryIn := time.Until(e.RetryAt).Round(time.Millisecond)
	return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, retry in %v",
		e.Key, e.ConsecutiveFailures, e.FailureThreshold, retryIn)
}

// Is lets errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
