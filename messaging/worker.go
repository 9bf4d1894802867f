package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// WorkerPool runs a fixed number of workers per destination, each pulling
// deliveries from the broker and routing them to completion one at a time.
// Shutdown stops the pulling; a delivery already being handled finishes
// before its worker exits, and anything left unacknowledged is redelivered
// by the broker.
type WorkerPool struct {
	consumer     Consumer
	router       *MessageRouter
	destinations []string
	concurrency  int
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WorkerPoolOption configures the pool.
type WorkerPoolOption func(*WorkerPool)

// WithConcurrency sets the number of workers per destination.
func WithConcurrency(n int) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.concurrency = n
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.logger = logger
	}
}

// NewWorkerPool creates a pool consuming the given destinations.
func NewWorkerPool(consumer Consumer, router *MessageRouter, destinations []string, options ...WorkerPoolOption) (*WorkerPool, error) {
	if consumer == nil {
		return nil, errors.New("consumer cannot be nil")
	}
	if router == nil {
		return nil, errors.New("router cannot be nil")
	}
	if len(destinations) == 0 {
		return nil, errors.New("at least one destination is required")
	}

	p := &WorkerPool{
		consumer:     consumer,
		router:       router,
		destinations: destinations,
		concurrency:  1,
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}

	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p, nil
}

// Start begins consuming. It returns once all workers are running.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	runCtx, cancel := context.WithCancel(ctx)

	for _, destination := range p.destinations {
		deliveries, err := p.consumer.Consume(runCtx, destination)
		if err != nil {
			cancel()
			return fmt.Errorf("consume %s: %w", destination, err)
		}
		for i := 0; i < p.concurrency; i++ {
			p.wg.Add(1)
			go p.work(runCtx, destination, deliveries)
		}
	}

	p.cancel = cancel
	p.running = true
	p.logger.Info("worker pool started",
		"destinations", p.destinations,
		"workersPerDestination", p.concurrency,
	)
	return nil
}

// Stop cancels the pull loops and waits for in-flight deliveries to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *WorkerPool) work(ctx context.Context, destination string, deliveries <-chan Delivery) {
	defer p.wg.Done()

	// Routing runs under a context that survives shutdown so an in-flight
	// message completes instead of being half-published.
	handleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			outcome, err := p.router.Handle(handleCtx, delivery)
			if err != nil {
				p.logger.Error("delivery left for redelivery",
					"destination", destination,
					"error", err,
				)
				continue
			}
			p.logger.Debug("delivery routed",
				"destination", destination,
				"outcome", outcome.String(),
			)
		}
	}
}
