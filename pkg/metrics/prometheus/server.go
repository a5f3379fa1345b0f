// Package prometheus implements the metrics interfaces on top of the
// Prometheus client library. Every constructor returns nil when metrics are
// disabled, which callers treat as "no metrics".
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittousb/pkg/metrics"
)

const namespace = "dittousb"

type serverMetrics struct {
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	activeConnections      prometheus.Gauge
	requests               *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	imports                *prometheus.CounterVec
	protocolErrors         *prometheus.CounterVec
}

// NewServerMetrics creates Prometheus-backed ServerMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewServerMetrics() metrics.ServerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	f := promauto.With(metrics.GetRegistry())

	return &serverMetrics{
		connectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted client connections",
		}),
		connectionsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of closed client connections",
		}),
		connectionsForceClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_force_closed_total",
			Help:      "Connections closed because the shutdown timeout expired",
		}),
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Current number of client connections",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Protocol messages handled, by operation and status",
		}, []string{"op", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling protocol messages",
			Buckets: []float64{
				0.00001, // 10us - unlink, devlist
				0.0001,
				0.001,
				0.01, // 10ms - import with backend claim
				0.1,
				1,
			},
		}, []string{"op"}),
		imports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Import requests by result",
		}, []string{"status"}),
		protocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Sessions terminated by protocol violations",
		}, []string{"reason"}),
	}
}

func (m *serverMetrics) RecordConnectionAccepted()    { m.connectionsAccepted.Inc() }
func (m *serverMetrics) RecordConnectionClosed()      { m.connectionsClosed.Inc() }
func (m *serverMetrics) RecordConnectionForceClosed() { m.connectionsForceClosed.Inc() }

func (m *serverMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *serverMetrics) RecordRequest(op string, duration time.Duration, status string) {
	m.requests.WithLabelValues(op, status).Inc()
	m.requestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// The bus id is deliberately not a label: it is unbounded.
func (m *serverMetrics) RecordImport(_ string, status string) {
	m.imports.WithLabelValues(status).Inc()
}

func (m *serverMetrics) RecordProtocolError(reason string) {
	m.protocolErrors.WithLabelValues(reason).Inc()
}
