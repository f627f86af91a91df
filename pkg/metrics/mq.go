package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the broker client.
type MQMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	PublishDuration   *prometheus.HistogramVec
	ConnectionStatus  prometheus.Gauge
	ActiveConsumers   prometheus.Gauge
}

// NewMQMetrics creates and registers broker client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	m := NewUnregisteredMQMetrics(namespace)
	MustRegister(m.Collectors()...)
	return m
}

// NewUnregisteredMQMetrics creates broker client metrics without registering them.
func NewUnregisteredMQMetrics(namespace string) *MQMetrics {
	return &MQMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_published_total",
				Help:      "Total number of messages confirmed by the broker",
			},
			[]string{"exchange"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"exchange", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_duration_seconds",
				Help:      "Duration of confirmed publish operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"exchange"},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "active_consumers",
				Help:      "Number of consumer tags registered on the channel",
			},
		),
	}
}

// Collectors returns every collector of m.
func (m *MQMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesPublished,
		m.PublishFailures,
		m.ReconnectAttempts,
		m.PublishDuration,
		m.ConnectionStatus,
		m.ActiveConsumers,
	}
}
