package reliability

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff retry policy with multiplicative jitter.
// It is immutable configuration, shared read-only across workers.
type Policy struct {
	// MaxRetries is the number of retry republications before a message is
	// dead lettered. Zero means the first failure is terminal.
	MaxRetries int

	// InitialInterval is the base delay for attempt 0.
	InitialInterval time.Duration

	// MaxInterval caps the computed delay.
	MaxInterval time.Duration

	// Multiplier grows the delay per attempt. Must be greater than 1.
	Multiplier float64

	// JitterFactor in [0,1] spreads delays as base*(1 + j*(2U-1)) so that
	// workers failing on the same outage do not retry in lockstep.
	JitterFactor float64
}

// DefaultPolicy returns a policy of 3 retries starting at one second,
// doubling up to 30 seconds, with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.2,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("retry policy: MaxRetries must be >= 0")
	}
	if p.InitialInterval <= 0 {
		return errors.New("retry policy: InitialInterval must be > 0")
	}
	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("retry policy: MaxInterval %v must be >= InitialInterval %v", p.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier <= 1 {
		return errors.New("retry policy: Multiplier must be > 1")
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return errors.New("retry policy: JitterFactor must be in [0,1]")
	}
	return nil
}

// BaseDelay returns the unjittered delay for a 0-indexed attempt, clamped
// to MaxInterval. Transports use this to size per-level delay destinations.
func (p Policy) BaseDelay(attempt int) time.Duration {
	base := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt))
	if base > float64(p.MaxInterval) {
		base = float64(p.MaxInterval)
	}
	return time.Duration(base)
}

// NextDelay returns the jittered delay for a 0-indexed attempt, clamped to
// [0, MaxInterval].
func (p Policy) NextDelay(attempt int) time.Duration {
	return p.nextDelay(attempt, rand.Float64)
}

// nextDelay computes the jittered delay from a uniform [0,1) sample so
// tests can inject a seeded source.
func (p Policy) nextDelay(attempt int, unit func() float64) time.Duration {
	delay := float64(p.BaseDelay(attempt))

	if p.JitterFactor > 0 {
		delay *= 1 + p.JitterFactor*(2*unit()-1)
	}

	if delay < 0 {
		delay = 0
	}
	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return time.Duration(delay)
}
