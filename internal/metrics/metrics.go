// Package metrics holds the prometheus collectors of the bus.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ubus"

// Metrics are the bus-wide collectors. A Metrics created with a nil
// registerer works but is not exported anywhere.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	DeliveryRetries   prometheus.Counter
	DeliveryFailures  prometheus.Counter
	RPCTimeouts       prometheus.Counter
	RPCPending        prometheus.Gauge
	Clients           prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages accepted from clients, by message type",
		}, []string{"type"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a client listener",
		}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Deliveries that needed a second attempt",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Deliveries abandoned after the last attempt",
		}),
		RPCTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "timeouts_total",
			Help:      "Requests completed by a synthetic DEADLINE_EXCEEDED response",
		}),
		RPCPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests waiting for a response",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Registered clients",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// NewUnregistered returns collectors that are not exported. Used by tests
// and by components constructed without a registry.
func NewUnregistered() *Metrics {
	m, _ := New(nil)
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesDelivered,
		m.DeliveryRetries,
		m.DeliveryFailures,
		m.RPCTimeouts,
		m.RPCPending,
		m.Clients,
	}
}
