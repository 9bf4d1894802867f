// Package monitor provides the operational surface of the consumption
// core: the dead letter occupancy monitor with alerting and the Prometheus
// metrics collector.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/redrive/messaging"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelResolved AlertLevel = "resolved"
)

// Alert reports a dead letter occupancy threshold crossing.
type Alert struct {
	ID        string     `json:"id"`
	Level     AlertLevel `json:"level"`
	Component string     `json:"component"`
	Message   string     `json:"message"`
	Occupancy int        `json:"occupancy"`
	Threshold int        `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}

// AlertHandler receives alerts from the occupancy monitor.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// LogAlertHandler writes alerts to a slog logger.
type LogAlertHandler struct {
	Logger *slog.Logger
}

func (h *LogAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fn := logger.Info
	if alert.Level == AlertLevelWarning {
		fn = logger.Warn
	}
	fn(alert.Message,
		"alertId", alert.ID,
		"component", alert.Component,
		"occupancy", alert.Occupancy,
		"threshold", alert.Threshold,
	)
	return nil
}

func (h *LogAlertHandler) Name() string {
	return "log"
}

// OccupancyCounter is the slice of the dead letter manager the monitor
// needs.
type OccupancyCounter interface {
	OccupancyCount(ctx context.Context) (int, error)
}

// OccupancyMonitor polls the dead letter occupancy on a fixed interval and
// alerts when it crosses the configured threshold. It alerts once per
// crossing and emits a resolved alert when occupancy drops back below the
// threshold.
type OccupancyMonitor struct {
	counter   OccupancyCounter
	threshold int
	interval  time.Duration
	handlers  []AlertHandler
	metrics   messaging.MetricsCollector
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	breached bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// OccupancyMonitorOption configures the monitor.
type OccupancyMonitorOption func(*OccupancyMonitor)

// WithPollInterval sets the polling interval.
func WithPollInterval(interval time.Duration) OccupancyMonitorOption {
	return func(m *OccupancyMonitor) {
		m.interval = interval
	}
}

// WithAlertHandler registers an additional alert handler.
func WithAlertHandler(handler AlertHandler) OccupancyMonitorOption {
	return func(m *OccupancyMonitor) {
		m.handlers = append(m.handlers, handler)
	}
}

// WithMonitorMetrics sets the metrics collector receiving occupancy gauges.
func WithMonitorMetrics(metrics messaging.MetricsCollector) OccupancyMonitorOption {
	return func(m *OccupancyMonitor) {
		m.metrics = metrics
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(logger *slog.Logger) OccupancyMonitorOption {
	return func(m *OccupancyMonitor) {
		m.logger = logger
	}
}

// NewOccupancyMonitor creates a monitor that alerts when the dead letter
// occupancy exceeds threshold.
func NewOccupancyMonitor(counter OccupancyCounter, threshold int, options ...OccupancyMonitorOption) *OccupancyMonitor {
	m := &OccupancyMonitor{
		counter:   counter,
		threshold: threshold,
		interval:  30 * time.Second,
		metrics:   messaging.NoOpMetricsCollector{},
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	if len(m.handlers) == 0 {
		m.handlers = []AlertHandler{&LogAlertHandler{Logger: m.logger}}
	}
	return m
}

// Start begins polling in the background.
func (m *OccupancyMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.poll(runCtx)
}

// Stop halts polling and waits for the loop to exit.
func (m *OccupancyMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	done := m.done
	m.mu.Unlock()

	<-done
}

// Check performs a single poll. Exposed so callers can force an immediate
// evaluation.
func (m *OccupancyMonitor) Check(ctx context.Context) {
	count, err := m.counter.OccupancyCount(ctx)
	if err != nil {
		m.logger.Error("dead letter occupancy poll failed", "error", err)
		return
	}

	m.metrics.RecordDLQOccupancy(count)

	m.mu.Lock()
	wasBreached := m.breached
	m.breached = count > m.threshold
	nowBreached := m.breached
	m.mu.Unlock()

	switch {
	case nowBreached && !wasBreached:
		m.dispatch(ctx, Alert{
			ID:        uuid.New().String(),
			Level:     AlertLevelWarning,
			Component: "dead-letter",
			Message:   "dead letter occupancy above threshold",
			Occupancy: count,
			Threshold: m.threshold,
			Timestamp: time.Now().UTC(),
		})
	case !nowBreached && wasBreached:
		m.dispatch(ctx, Alert{
			ID:        uuid.New().String(),
			Level:     AlertLevelResolved,
			Component: "dead-letter",
			Message:   "dead letter occupancy back below threshold",
			Occupancy: count,
			Threshold: m.threshold,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (m *OccupancyMonitor) poll(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *OccupancyMonitor) dispatch(ctx context.Context, alert Alert) {
	for _, handler := range m.handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			m.logger.Error("alert handler failed",
				"handler", handler.Name(),
				"alertId", alert.ID,
				"error", err,
			)
		}
	}
}
