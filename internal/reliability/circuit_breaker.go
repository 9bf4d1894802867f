package reliability

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is notified on breaker transitions.
type StateChangeFunc func(key string, from, to State)

// CircuitBreaker guards a single dependency key with a three-state machine.
//
// Closed passes invocations through and counts consecutive failures; at the
// failure threshold it opens. Open rejects immediately until the reset
// timeout has elapsed since the last failure, then the next invocation
// becomes the single half-open trial. The trial closes the breaker on
// success and reopens it on failure. All transitions happen under one
// mutex so concurrent workers cannot double-open or race the trial.
type CircuitBreaker struct {
	mu                  sync.Mutex
	key                 string
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	trialInFlight       bool

	failureThreshold int
	resetTimeout     time.Duration
	onStateChange    StateChangeFunc
}

// CircuitBreakerOption configures a circuit breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the breaker.
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithResetTimeout sets how long the breaker stays open before admitting a
// half-open trial.
func WithResetTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.resetTimeout = timeout
	}
}

// WithStateChangeFunc sets a transition callback. It is invoked outside the
// breaker lock.
func WithStateChangeFunc(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed breaker for the given dependency key.
func NewCircuitBreaker(key string, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		key:              key,
		state:            StateClosed,
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn under breaker protection. When the breaker is open and
// the reset timeout has not elapsed it fails fast with *CircuitOpenError
// without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	notify, trial, err := cb.admit()
	if notify != nil {
		notify()
	}
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		cb.release(trial)
		return ctx.Err()
	default:
	}

	err = fn()
	if notify := cb.record(err); notify != nil {
		notify()
	}
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// admit decides whether an invocation may proceed. It returns a deferred
// state-change notification, whether this admission claimed the half-open
// trial slot, and a rejection error, if any.
func (cb *CircuitBreaker) admit() (func(), bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil, false, nil

	case StateOpen:
		retryAt := cb.lastFailureAt.Add(cb.resetTimeout)
		if time.Now().Before(retryAt) {
			return nil, false, cb.openErrorLocked(retryAt)
		}
		// Reset timeout elapsed: this invocation is the half-open trial.
		notify := cb.transitionLocked(StateHalfOpen)
		cb.trialInFlight = true
		return notify, true, nil

	case StateHalfOpen:
		if cb.trialInFlight {
			return nil, false, cb.openErrorLocked(time.Now())
		}
		cb.trialInFlight = true
		return nil, true, nil

	default:
		return nil, false, ErrUnknownState
	}
}

// release undoes an admission whose invocation never ran. Only the
// admission that claimed the trial slot may free it; a closed-state
// admission must not erase a trial claimed by another worker in the
// meantime.
func (cb *CircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

// record applies the invocation result to the state machine.
func (cb *CircuitBreaker) record(err error) func() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.consecutiveFailures++
		cb.lastFailureAt = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.consecutiveFailures >= cb.failureThreshold {
				return cb.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			cb.trialInFlight = false
			return cb.transitionLocked(StateOpen)
		}
		return nil
	}

	cb.consecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
		return cb.transitionLocked(StateClosed)
	}
	return nil
}

func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to
	if cb.onStateChange == nil || from == to {
		return nil
	}
	fn, key := cb.onStateChange, cb.key
	return func() { fn(key, from, to) }
}

func (cb *CircuitBreaker) openErrorLocked(retryAt time.Time) *CircuitOpenError {
	return &CircuitOpenError{
		Key:                 cb.key,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		FailureThreshold:    cb.failureThreshold,
		LastFailureAt:       cb.lastFailureAt,
		RetryAt:             retryAt,
	}
}

// BreakerGroup holds one circuit breaker per dependency key. Unrelated
// dependencies never share a lock beyond the map access needed to find
// their breaker.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	options  []CircuitBreakerOption
}

// NewBreakerGroup creates a group whose breakers share the given options.
func NewBreakerGroup(options ...CircuitBreakerOption) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		options:  options,
	}
}

// Get returns the breaker for key, creating it on first use.
func (g *BreakerGroup) Get(key string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(key, g.options...)
	g.breakers[key] = cb
	return cb
}

// Keys returns the dependency keys with an instantiated breaker.
func (g *BreakerGroup) Keys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]string, 0, len(g.breakers))
	for k := range g.breakers {
		keys = append(keys, k)
	}
	return keys
}
