// Package metrics defines the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all relay-level metrics.
type Metrics struct {
	PacketsSent      *prometheus.CounterVec
	FragmentsEmitted *prometheus.CounterVec
	BytesSent        prometheus.Counter
	SendFailures     prometheus.Counter
	OperationsRun    *prometheus.CounterVec
	LossRate         *prometheus.GaugeVec
	ActiveStreams    prometheus.Gauge
}

// New creates a Metrics instance with all collectors.
func New() *Metrics {
	return &Metrics{
		PacketsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "btr",
				Subsystem: "relay",
				Name:      "packets_sent_total",
				Help:      "Total number of wire packets handed to the transport",
			},
			[]string{"device", "kind"},
		),
		FragmentsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "btr",
				Subsystem: "relay",
				Name:      "fragments_emitted_total",
				Help:      "Total number of fragments produced by the byte-budget splitter",
			},
			[]string{"device", "kind"},
		),
		BytesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "btr",
				Subsystem: "transport",
				Name:      "bytes_sent_total",
				Help:      "Total bytes written to the datagram socket",
			},
		),
		SendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "btr",
				Subsystem: "transport",
				Name:      "send_failures_total",
				Help:      "Total datagram sends that returned an error",
			},
		),
		OperationsRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "btr",
				Subsystem: "queue",
				Name:      "operations_total",
				Help:      "Total stream operations executed per outcome",
			},
			[]string{"op", "outcome"},
		),
		LossRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "btr",
				Subsystem: "relay",
				Name:      "loss_rate",
				Help:      "Estimated sample loss fraction over the trailing window",
			},
			[]string{"device", "kind"},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "btr",
				Subsystem: "relay",
				Name:      "active_streams",
				Help:      "Number of currently active hardware streams",
			},
		),
	}
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.PacketsSent,
		m.FragmentsEmitted,
		m.BytesSent,
		m.SendFailures,
		m.OperationsRun,
		m.LossRate,
		m.ActiveStreams,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
