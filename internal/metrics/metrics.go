// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nsnw/yahk/internal/bridge"
)

var (
	// Inbound traffic
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_messages_received_total",
			Help: "Total chat messages received",
		},
		[]string{"service"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_events_received_total",
			Help: "Total connector events received",
		},
		[]string{"service", "type"},
	)

	DuplicatesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_duplicates_suppressed_total",
			Help: "Total messages dropped by the dedup window",
		},
		[]string{"bridge"},
	)

	// Relay
	RelaysSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_relays_sent_total",
			Help: "Total lines delivered to bridged chats",
		},
		[]string{"bridge"},
	)

	RelaysFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_relays_failed_total",
			Help: "Total failed deliveries to bridged chats",
		},
		[]string{"bridge"},
	)

	// Plugins
	CommandsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_commands_dispatched_total",
			Help: "Total command and pattern handler invocations",
		},
		[]string{"plugin"},
	)

	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_handler_failures_total",
			Help: "Total handler errors and panics",
		},
		[]string{"plugin"},
	)

	// Connectors
	ConnectorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_connector_restarts_total",
			Help: "Total connector restarts after a failure",
		},
		[]string{"service"},
	)

	ConnectorUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yahk_connector_up",
			Help: "Whether a connector is currently running",
		},
		[]string{"service"},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yahk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// DeliveryObserver counts hub deliveries.
type DeliveryObserver struct{}

// OnDelivery implements bridge.Observer.
func (DeliveryObserver) OnDelivery(_ context.Context, d bridge.Delivery) {
	if d.Err != nil {
		RelaysFailed.WithLabelValues(d.Bridge).Inc()
		return
	}
	RelaysSent.WithLabelValues(d.Bridge).Inc()
}
