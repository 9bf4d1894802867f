package messaging

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/redrive/contracts"
)

func TestChain(t *testing.T) {
	t.Run("runs middlewares outermost first", func(t *testing.T) {
		var order []string
		tag := func(name string) Middleware {
			return func(next Handler) Handler {
				return func(ctx context.Context, payload []byte) error {
					order = append(order, name)
					return next(ctx, payload)
				}
			}
		}
		handler := Chain(func(ctx context.Context, payload []byte) error {
			order = append(order, "handler")
			return nil
		}, tag("outer"), tag("inner"))

		err := handler(context.Background(), nil)

		require.NoError(t, err)
		assert.Equal(t, []string{"outer", "inner", "handler"}, order)
	})

	t.Run("no middlewares returns the handler", func(t *testing.T) {
		called := false
		handler := Chain(func(ctx context.Context, payload []byte) error {
			called = true
			return nil
		})

		require.NoError(t, handler(context.Background(), nil))
		assert.True(t, called)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Run("turns a panic into a permanent error", func(t *testing.T) {
		handler := Chain(func(ctx context.Context, payload []byte) error {
			panic("nil map write")
		}, RecoveryMiddleware())

		err := handler(context.Background(), nil)

		require.Error(t, err)
		assert.True(t, contracts.IsPermanent(err))
		assert.Contains(t, err.Error(), "nil map write")
	})

	t.Run("passes errors through untouched", func(t *testing.T) {
		cause := errors.New("downstream refused")
		handler := Chain(func(ctx context.Context, payload []byte) error {
			return cause
		}, RecoveryMiddleware())

		err := handler(context.Background(), nil)

		assert.ErrorIs(t, err, cause)
		assert.False(t, contracts.IsPermanent(err))
	})
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Run("cancels a slow handler", func(t *testing.T) {
		handler := Chain(func(ctx context.Context, payload []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		}, TimeoutMiddleware(10*time.Millisecond))

		err := handler(context.Background(), nil)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, contracts.IsPermanent(err))
	})

	t.Run("fast handlers finish normally", func(t *testing.T) {
		handler := Chain(func(ctx context.Context, payload []byte) error {
			return nil
		}, TimeoutMiddleware(time.Second))

		assert.NoError(t, handler(context.Background(), nil))
	})
}

func TestLoggingMiddleware(t *testing.T) {
	// A nil logger falls back to the default; the middleware must not alter
	// the handler's result either way.
	cause := errors.New("boom")
	handler := Chain(func(ctx context.Context, payload []byte) error {
		return cause
	}, LoggingMiddleware(slog.Default()), LoggingMiddleware(nil))

	assert.ErrorIs(t, handler(context.Background(), nil), cause)
}
