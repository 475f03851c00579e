// internal/metrics/prometheus.go
package metrics

import (
	"context"

	"fleetwatch/internal/database"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	MeasurementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_measurements_total",
			Help: "Total number of measurements evaluated",
		},
		[]string{"check_type", "outcome"},
	)

	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_evaluation_duration_seconds",
			Help:    "Time spent evaluating a measurement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"check_type"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_status_transitions_total",
			Help: "Check status transitions",
		},
		[]string{"check_type", "from", "to"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_alerts_sent_total",
			Help: "Alert notifications delivered",
		},
		[]string{"kind", "channel"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_alerts_suppressed_total",
			Help: "Alert notifications suppressed by the renotify window",
		},
		[]string{"kind", "channel"},
	)

	AlertFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_alert_failures_total",
			Help: "Alert notifications that failed to send",
		},
		[]string{"kind", "channel"},
	)

	ConcurrencyRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_concurrency_retries_total",
			Help: "Check updates retried after losing a write race",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_alert_queue_depth",
			Help: "Tasks waiting in the alert queue",
		},
	)

	ActiveOutages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_active_outages",
			Help: "Agents currently in an open outage",
		},
	)

	ActiveAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_agents_total",
			Help: "Number of registered agents",
		},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

// UpdateSystemMetrics refreshes the gauges derived from store contents.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	agents, err := c.store.GetAgents(ctx)
	if err != nil {
		DatabaseOperations.WithLabelValues("get_agents", "error").Inc()
		return err
	}
	DatabaseOperations.WithLabelValues("get_agents", "success").Inc()
	ActiveAgents.Set(float64(len(agents)))

	active := 0
	for _, agent := range agents {
		if _, err := c.store.GetActiveOutage(ctx, agent.ID); err == nil {
			active++
		}
	}
	ActiveOutages.Set(float64(active))

	return nil
}
