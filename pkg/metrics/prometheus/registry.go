package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittousb/pkg/metrics"
)

type registryMetrics struct {
	devices *prometheus.GaugeVec
	events  *prometheus.CounterVec
}

// NewRegistryMetrics creates Prometheus-backed RegistryMetrics.
//
// Returns nil if metrics are not enabled.
func NewRegistryMetrics() metrics.RegistryMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	f := promauto.With(metrics.GetRegistry())

	return &registryMetrics{
		devices: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Known devices by binding state",
		}, []string{"state"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_events_total",
			Help:      "Device registry state changes",
		}, []string{"type"}),
	}
}

func (m *registryMetrics) SetDevices(available, exported int) {
	m.devices.WithLabelValues("available").Set(float64(available))
	m.devices.WithLabelValues("exported").Set(float64(exported))
}

func (m *registryMetrics) RecordEvent(eventType string) {
	m.events.WithLabelValues(eventType).Inc()
}
