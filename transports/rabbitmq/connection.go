package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayforge/redrive/internal/reliability"
)

// ErrNotConnected is returned by Channel while the broker is unreachable.
var ErrNotConnected = errors.New("rabbitmq: not connected")

// ConnectionManager dials the broker and reconnects after a dropped
// connection with jittered exponential backoff. It satisfies Connection, so
// a Transport built on it survives broker restarts; channels opened before
// the drop die with it and the transport opens fresh ones on demand.
type ConnectionManager struct {
	url    string
	policy reliability.Policy
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	connected bool

	done      chan struct{}
	closeOnce sync.Once
}

// ConnectionOption configures the manager.
type ConnectionOption func(*ConnectionManager)

// WithReconnectPolicy sets the backoff between reconnection attempts.
// Reconnection never gives up; only the delay fields are used.
func WithReconnectPolicy(policy reliability.Policy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// NewConnectionManager creates a manager for url. Call Connect before use.
func NewConnectionManager(rawURL string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url: rawURL,
		policy: reliability.Policy{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Multiplier:      2.0,
			JitterFactor:    0.25,
		},
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect establishes the initial connection and starts the reconnection
// watcher.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", sanitizeURL(cm.url), err)
	}

	cm.adopt(conn)
	cm.logger.Info("connected to broker", "url", sanitizeURL(cm.url))
	return nil
}

// Channel implements Connection.
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	connected := cm.connected
	cm.mu.RUnlock()

	if !connected || conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return conn.Channel()
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close stops reconnection and closes the connection.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		cm.connected = false
		if cm.conn != nil && !cm.conn.IsClosed() {
			err = cm.conn.Close()
		}
		cm.conn = nil
	})
	return err
}

// adopt installs conn and arms the close watcher. Caller holds cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notify)
}

func (cm *ConnectionManager) watch(notify chan *amqp.Error) {
	select {
	case <-cm.done:
		return
	case amqpErr := <-notify:
		if amqpErr != nil {
			cm.logger.Error("broker connection lost", "error", amqpErr)
		}
	}

	cm.mu.Lock()
	cm.connected = false
	cm.conn = nil
	cm.mu.Unlock()

	cm.reconnect()
}

// reconnect retries until it succeeds or the manager is closed.
func (cm *ConnectionManager) reconnect() {
	for attempt := 0; ; attempt++ {
		delay := cm.policy.NextDelay(attempt)
		cm.logger.Info("reconnecting to broker",
			"attempt", attempt+1,
			"delay", delay,
		)

		select {
		case <-cm.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := cm.dial(ctx)
		cancel()
		if err != nil {
			cm.logger.Error("reconnection attempt failed",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		cm.mu.Lock()
		cm.adopt(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker", "attempts", attempt+1)
		return
	}
}

// dial runs amqp.Dial under ctx; the AMQP library itself has no dial
// context.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// sanitizeURL strips credentials before logging.
func sanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	return u.String()
}
