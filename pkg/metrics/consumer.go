package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConsumerMetrics contains Prometheus metrics for the delivery dispatcher.
type ConsumerMetrics struct {
	DeliveriesReceived *prometheus.CounterVec
	Acks               *prometheus.CounterVec
	Nacks              *prometheus.CounterVec
	HandlerFailures    *prometheus.CounterVec
	StrategyFailures   *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	InFlight           *prometheus.GaugeVec
}

// NewConsumerMetrics creates and registers dispatcher metrics on the global registry.
func NewConsumerMetrics(namespace string) *ConsumerMetrics {
	m := NewUnregisteredConsumerMetrics(namespace)
	MustRegister(m.Collectors()...)
	return m
}

// NewUnregisteredConsumerMetrics creates dispatcher metrics without
// registering them, for callers that own their registry.
func NewUnregisteredConsumerMetrics(namespace string) *ConsumerMetrics {
	return &ConsumerMetrics{
		DeliveriesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "deliveries_received_total",
				Help:      "Total number of deliveries handed to the dispatcher",
			},
			[]string{"queue"},
		),
		Acks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "acks_total",
				Help:      "Total number of deliveries acknowledged",
			},
			[]string{"queue"},
		),
		Nacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "nacks_total",
				Help:      "Total number of deliveries negatively acknowledged",
			},
			[]string{"queue", "requeue"},
		),
		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "handler_failures_total",
				Help:      "Total number of handler invocations that failed",
			},
			[]string{"queue", "reason"},
		),
		StrategyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "strategy_failures_total",
				Help:      "Total number of error strategy invocations that failed",
			},
			[]string{"queue"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "handler_duration_seconds",
				Help:      "Duration of handler invocations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "in_flight",
				Help:      "Number of handler invocations currently running",
			},
			[]string{"queue"},
		),
	}
}

// Collectors returns every collector of m.
func (m *ConsumerMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DeliveriesReceived,
		m.Acks,
		m.Nacks,
		m.HandlerFailures,
		m.StrategyFailures,
		m.HandlerDuration,
		m.InFlight,
	}
}
