package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayforge/redrive/contracts"
)

// Middleware wraps a Handler with cross-cutting behavior. Middlewares run
// inside the circuit breaker, so their errors are classified and counted
// like handler errors.
type Middleware func(Handler) Handler

// Chain applies middlewares to handler. The first middleware is outermost.
func Chain(handler Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// LoggingMiddleware logs every invocation with its duration and outcome.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) error {
			start := time.Now()
			err := next(ctx, payload)
			if err != nil {
				logger.Error("handler failed",
					"errorClass", contracts.ErrorClassOf(err),
					"duration", time.Since(start),
					"error", err,
				)
				return err
			}
			logger.Debug("handler succeeded", "duration", time.Since(start))
			return nil
		}
	}
}

// RecoveryMiddleware converts a handler panic into a permanent error. A
// panicking handler is a code fault; retrying it would burn the retry
// budget for nothing.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = contracts.Permanent(fmt.Errorf("handler panicked: %v", r))
				}
			}()
			return next(ctx, payload)
		}
	}
}

// TimeoutMiddleware bounds one handler invocation. The deadline error is
// left transient so the retry ladder gets a chance at a less loaded moment.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, payload)
		}
	}
}
