package monitor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relayforge/redrive/messaging"
)

const metricsNamespace = "redrive"

// PrometheusCollector implements messaging.MetricsCollector on a Prometheus
// registry.
type PrometheusCollector struct {
	handleOutcomes *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	replays        prometheus.Counter
	occupancy      prometheus.Gauge
}

// NewPrometheusCollector registers the core's metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		handleOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "outcomes_total",
			Help:      "Routed deliveries by handler and outcome",
		}, []string{"handler", "outcome"}),
		handleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "handle_duration_seconds",
			Help:      "Time spent routing one delivery",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"handler"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "retries_scheduled_total",
			Help:      "Messages republished to a retry destination",
		}, []string{"level", "error_class"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "archived_total",
			Help:      "Messages archived to the dead letter store",
		}, []string{"error_class"}),
		replays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "replays_total",
			Help:      "Operator-triggered replays",
		}),
		occupancy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dlq",
			Name:      "occupancy",
			Help:      "Current dead letter record count",
		}),
	}
}

func (c *PrometheusCollector) RecordHandleOutcome(destination string, outcome messaging.Outcome, duration time.Duration) {
	c.handleOutcomes.WithLabelValues(destination, outcome.String()).Inc()
	c.handleDuration.WithLabelValues(destination).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordRetryScheduled(level int, errorClass string) {
	c.retries.WithLabelValues(strconv.Itoa(level), errorClass).Inc()
}

func (c *PrometheusCollector) RecordDeadLetter(errorClass string) {
	c.deadLetters.WithLabelValues(errorClass).Inc()
}

func (c *PrometheusCollector) RecordReplay() {
	c.replays.Inc()
}

func (c *PrometheusCollector) RecordDLQOccupancy(count int) {
	c.occupancy.Set(float64(count))
}
