// Package metrics exposes the Prometheus collectors amqpflow publishes,
// built with the usual promauto.NewCounterVec/NewGaugeVec/NewGauge
// shape, labeled for publish/consume outcomes rather than job execution.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PublishOutcomes counts terminal publish outcomes by destination and
	// outcome: confirm, nack, error, drop.
	PublishOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqpflow_publish_outcomes_total",
			Help: "Total number of terminal publish outcomes by destination and outcome",
		},
		[]string{"destination", "outcome"},
	)

	// DropsByReason counts drops by destination and DropReason.
	DropsByReason = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqpflow_drops_total",
			Help: "Total number of dropped payloads by destination and reason",
		},
		[]string{"destination", "reason"},
	)

	// BufferSize tracks the current occupied size of each Producer's
	// message buffer.
	BufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "amqpflow_producer_buffer_size",
			Help: "Current number of payloads held in a producer's buffer",
		},
		[]string{"destination"},
	)

	// ConnectionState tracks the Supervisor's current state as a gauge
	// (0=Connecting, 1=Connected, 2=Reconnecting, 3=Closed).
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "amqpflow_connection_state",
			Help: "Current connection supervisor state (0=Connecting 1=Connected 2=Reconnecting 3=Closed)",
		},
	)

	// ReconnectsTotal counts completed reconnect cycles.
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amqpflow_reconnects_total",
			Help: "Total number of successful reconnects after connection loss",
		},
	)

	// ConsumerAcksTotal counts ack/nack forwarded per destination.
	ConsumerAcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqpflow_consumer_acks_total",
			Help: "Total number of ack/nack operations forwarded by consumers",
		},
		[]string{"destination", "result"},
	)
)
