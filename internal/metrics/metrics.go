// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sdbus"

var (
	// HubConnectionsActive tracks open hub connections.
	HubConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connections_active",
			Help:      "Number of open hub connections",
		},
	)

	// HubSubscriptionsTotal counts subscribe operations.
	HubSubscriptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_subscriptions_total",
			Help:      "Total subscribe operations handled by the hub",
		},
	)

	// HubPublishesTotal counts publish operations by append result.
	HubPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_publishes_total",
			Help:      "Total publish operations handled by the hub",
		},
		[]string{"result"},
	)

	// HubFanoutDroppedTotal counts frames not delivered to a subscriber.
	HubFanoutDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_fanout_dropped_total",
			Help:      "Frames dropped for a closed or slow subscriber",
		},
	)

	// HubReplayedEventsTotal counts events sent during replay.
	HubReplayedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_replayed_events_total",
			Help:      "Events sent to subscribers during replay",
		},
	)

	// HubMalformedFramesTotal counts inbound frames that were dropped.
	HubMalformedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be parsed",
		},
	)

	// LogAppendsTotal counts durable appends by result.
	LogAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_appends_total",
			Help:      "Durable log appends",
		},
		[]string{"result"},
	)

	// ClientReconnectsTotal counts subscriber reconnect attempts.
	ClientReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_reconnects_total",
			Help:      "Subscriber reconnect attempts after a lost or refused hub connection",
		},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordAppend records the outcome of a durable append.
func RecordAppend(err error) {
	LogAppendsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordPublish records the outcome of a hub publish.
func RecordPublish(err error) {
	HubPublishesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// IncrementConnections increments the active connection count.
func IncrementConnections() {
	HubConnectionsActive.Inc()
}

// DecrementConnections decrements the active connection count.
func DecrementConnections() {
	HubConnectionsActive.Dec()
}
