package resources

import "github.com/prometheus/client_golang/prometheus"

// metricsSet holds the Prometheus gauges backing the quota counters:
// active connections, in-flight transfers, queue depths, and tracked-buffer
// bytes, consumed by the control surface's /metrics handler.
type metricsSet struct {
	activeConnections prometheus.Gauge
	activeTransfers   prometheus.Gauge
	queuedPackets     prometheus.Gauge
	aggregateBytes    prometheus.Gauge
}

func newMetricsSet(registry *prometheus.Registry) *metricsSet {
	m := &metricsSet{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cconnectd",
			Subsystem: "resources",
			Name:      "active_connections",
			Help:      "Number of live device connections.",
		}),
		activeTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cconnectd",
			Subsystem: "resources",
			Name:      "active_transfers",
			Help:      "Number of in-flight payload transfers.",
		}),
		queuedPackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cconnectd",
			Subsystem: "resources",
			Name:      "queued_packets",
			Help:      "Number of outbound packets awaiting redelivery across all devices.",
		}),
		aggregateBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cconnectd",
			Subsystem: "resources",
			Name:      "aggregate_transfer_bytes",
			Help:      "Sum of declared sizes for all in-flight transfers.",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.activeConnections, m.activeTransfers, m.queuedPackets, m.aggregateBytes)
	}
	return m
}
