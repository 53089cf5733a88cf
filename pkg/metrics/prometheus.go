// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"context"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guardian"

var (
	// CyclesTotal counts refresh cycles by outcome: ok, sensor_error, persistence_error.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_cycles_total",
			Help:      "Total number of refresh cycles by result",
		},
		[]string{"result"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_cycle_duration_seconds",
			Help:      "Refresh cycle duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts raised",
		},
		[]string{"source", "severity"},
	)

	// AnomalyScore is the distance of the newest sample to the nearest dense cluster.
	AnomalyScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Anomaly score of the most recent sample",
		},
	)

	PolicyViolations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_violations",
			Help:      "Number of policy violations in the most recent cycle",
		},
	)

	HistorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_history_size",
			Help:      "Number of samples retained by the anomaly detector",
		},
	)

	TrackedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_connections",
			Help:      "Number of entries in the connection table",
		},
	)

	// SystemUsage mirrors the published usage percentages.
	SystemUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_usage_percent",
			Help:      "Current CPU, memory and disk usage",
		},
		[]string{"resource"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of handled errors by kind and component",
		},
		[]string{"kind", "component"},
	)

	BusAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_alerts_total",
			Help:      "Alerts seen by the event bus by outcome",
		},
		[]string{"outcome"},
	)

	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_operations_total",
			Help:      "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected alert stream clients",
		},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// CountError is an errors.ErrorCollector that feeds ErrorsTotal.
func CountError(_ context.Context, e *gerrors.Error) {
	ErrorsTotal.WithLabelValues(string(e.Kind), e.Component).Inc()
}
