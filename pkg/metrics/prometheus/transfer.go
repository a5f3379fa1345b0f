package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittousb/pkg/metrics"
)

type transferMetrics struct {
	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	unlinks   *prometheus.CounterVec
	discarded prometheus.Counter
	pending   prometheus.Gauge
}

// NewTransferMetrics creates Prometheus-backed TransferMetrics.
//
// Returns nil if metrics are not enabled.
func NewTransferMetrics() metrics.TransferMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	f := promauto.With(metrics.GetRegistry())

	return &transferMetrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urbs_submitted_total",
			Help:      "URBs submitted to the backend",
		}, []string{"type", "direction"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urbs_completed_total",
			Help:      "URBs completed, by status (0 or negated errno)",
		}, []string{"type", "direction", "status"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urb_bytes_total",
			Help:      "Payload bytes moved by completed URBs",
		}, []string{"direction"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "urb_duration_seconds",
			Help:      "Time from URB submission to completion",
			Buckets: []float64{
				0.000125, // one high-speed microframe
				0.001,    // one full-speed frame
				0.01,
				0.1,
				1,
				10, // interrupt endpoints polled by idle devices
			},
		}, []string{"type"}),
		unlinks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urb_unlinks_total",
			Help:      "Unlink requests by result",
		}, []string{"result"}),
		discarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urb_completions_discarded_total",
			Help:      "Backend completions dropped after cancellation or session close",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "urbs_pending",
			Help:      "URBs currently in flight",
		}),
	}
}

func (m *transferMetrics) RecordSubmitted(transferType, direction string) {
	m.submitted.WithLabelValues(transferType, direction).Inc()
}

func (m *transferMetrics) RecordCompleted(transferType, direction string, status int32, bytes int, duration time.Duration) {
	m.completed.WithLabelValues(transferType, direction, strconv.Itoa(int(status))).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(bytes))
	m.latency.WithLabelValues(transferType).Observe(duration.Seconds())
}

func (m *transferMetrics) RecordUnlink(result string) { m.unlinks.WithLabelValues(result).Inc() }
func (m *transferMetrics) RecordDiscarded()           { m.discarded.Inc() }
func (m *transferMetrics) SetPending(count int)       { m.pending.Set(float64(count)) }
