package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts closed and passes through", func(t *testing.T) {
		cb := NewCircuitBreaker("db")
		executed := false

		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("opens at the failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker("db", WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			err := cb.Execute(context.Background(), func() error {
				return errors.New("downstream error")
			})
			assert.Error(t, err)
		}
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("success in closed state resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker("db", WithFailureThreshold(2))

		cb.Execute(context.Background(), func() error { return errors.New("x") })
		cb.Execute(context.Background(), func() error { return nil })
		cb.Execute(context.Background(), func() error { return errors.New("x") })

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("open rejects without invoking the handler", func(t *testing.T) {
		cb := NewCircuitBreaker("db",
			WithFailureThreshold(1),
			WithResetTimeout(time.Minute),
		)
		cb.Execute(context.Background(), func() error { return errors.New("x") })

		invoked := false
		err := cb.Execute(context.Background(), func() error {
			invoked = true
			return nil
		})

		assert.False(t, invoked)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var coe *CircuitOpenError
		assert.ErrorAs(t, err, &coe)
		assert.Equal(t, "db", coe.Key)
		assert.Equal(t, StateOpen, coe.State)
	})

	t.Run("half-open trial after reset timeout, success closes", func(t *testing.T) {
		cb := NewCircuitBreaker("db",
			WithFailureThreshold(1),
			WithResetTimeout(50*time.Millisecond),
		)
		cb.Execute(context.Background(), func() error { return errors.New("x") })
		assert.Equal(t, StateOpen, cb.State())

		time.Sleep(80 * time.Millisecond)

		invocations := 0
		err := cb.Execute(context.Background(), func() error {
			invocations++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, invocations)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open trial failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker("db",
			WithFailureThreshold(1),
			WithResetTimeout(50*time.Millisecond),
		)
		cb.Execute(context.Background(), func() error { return errors.New("x") })

		time.Sleep(80 * time.Millisecond)

		err := cb.Execute(context.Background(), func() error {
			return errors.New("still broken")
		})
		assert.Error(t, err)
		assert.Equal(t, StateOpen, cb.State())

		// Reopening refreshed the failure time, so calls fail fast again.
		err = cb.Execute(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("exactly one half-open trial under concurrency", func(t *testing.T) {
		cb := NewCircuitBreaker("db",
			WithFailureThreshold(1),
			WithResetTimeout(50*time.Millisecond),
		)
		cb.Execute(context.Background(), func() error { return errors.New("x") })

		time.Sleep(80 * time.Millisecond)

		var invocations atomic.Int32
		var rejections atomic.Int32
		var wg sync.WaitGroup
		release := make(chan struct{})

		// The trial blocks until every other worker has been rejected, so
		// no late worker can sneak through a closed breaker.
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := cb.Execute(context.Background(), func() error {
					invocations.Add(1)
					<-release
					return nil
				})
				if errors.Is(err, ErrCircuitOpen) {
					rejections.Add(1)
				}
			}()
		}
		for rejections.Load() < 7 {
			time.Sleep(time.Millisecond)
		}
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), invocations.Load())
		assert.Equal(t, int32(7), rejections.Load())
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("notifies state changes", func(t *testing.T) {
		var mu sync.Mutex
		var transitions []string

		cb := NewCircuitBreaker("payments",
			WithFailureThreshold(1),
			WithResetTimeout(50*time.Millisecond),
			WithStateChangeFunc(func(key string, from, to State) {
				mu.Lock()
				transitions = append(transitions, from.String()+"->"+to.String())
				mu.Unlock()
			}),
		)

		cb.Execute(context.Background(), func() error { return errors.New("x") })
		time.Sleep(80 * time.Millisecond)
		cb.Execute(context.Background(), func() error { return nil })

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
	})

	t.Run("cancelled closed admission keeps the trial slot taken", func(t *testing.T) {
		cb := NewCircuitBreaker("db",
			WithFailureThreshold(1),
			WithResetTimeout(time.Minute),
		)

		// A worker admitted while closed parks before invoking the handler.
		_, closedTrial, err := cb.admit()
		assert.NoError(t, err)
		assert.False(t, closedTrial)

		// Meanwhile another worker's failure opens the breaker, the reset
		// timeout elapses and a third worker claims the half-open trial.
		if notify := cb.record(errors.New("downstream error")); notify != nil {
			notify()
		}
		cb.mu.Lock()
		cb.lastFailureAt = time.Now().Add(-2 * time.Minute)
		cb.mu.Unlock()
		notify, trial, err := cb.admit()
		if notify != nil {
			notify()
		}
		assert.NoError(t, err)
		assert.True(t, trial)

		// The parked worker's context is cancelled; its admission never
		// claimed the trial, so releasing it must not free the slot.
		cb.release(closedTrial)

		_, _, err = cb.admit()
		assert.ErrorIs(t, err, ErrCircuitOpen)

		// The trial owner releasing does free the slot.
		cb.release(trial)
		_, again, err := cb.admit()
		assert.NoError(t, err)
		assert.True(t, again)
	})

	t.Run("cancelled context skips invocation", func(t *testing.T) {
		cb := NewCircuitBreaker("db")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		invoked := false
		err := cb.Execute(ctx, func() error {
			invoked = true
			return nil
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, invoked)
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestBreakerGroup(t *testing.T) {
	t.Run("one breaker per key", func(t *testing.T) {
		g := NewBreakerGroup(WithFailureThreshold(1))

		a := g.Get("a")
		b := g.Get("b")
		assert.NotSame(t, a, b)
		assert.Same(t, a, g.Get("a"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		g := NewBreakerGroup(WithFailureThreshold(1), WithResetTimeout(time.Minute))

		g.Get("a").Execute(context.Background(), func() error { return errors.New("x") })

		assert.Equal(t, StateOpen, g.Get("a").State())
		assert.Equal(t, StateClosed, g.Get("b").State())
		assert.ElementsMatch(t, []string{"a", "b"}, g.Keys())
	})

	t.Run("concurrent get creates a single breaker", func(t *testing.T) {
		g := NewBreakerGroup()
		var wg sync.WaitGroup
		breakers := make([]*CircuitBreaker, 16)

		for i := range breakers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				breakers[i] = g.Get("shared")
			}(i)
		}
		wg.Wait()

		for _, cb := range breakers {
			assert.Same(t, breakers[0], cb)
		}
	})
}
