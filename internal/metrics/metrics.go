package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker metrics
var (
	// BrokerOpsTotal tracks broker commands by operation and status (ok/fallback)
	BrokerOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_operations_total",
			Help: "Total broker operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// BrokerFailoversTotal counts role flips between primary and fallback links
	BrokerFailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_failovers_total",
			Help: "Broker link role flips by link that went down",
		},
		[]string{"role"},
	)

	// BrokerFallbackReturnsTotal counts commands that returned their type-stable fallback value
	BrokerFallbackReturnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_fallback_returns_total",
			Help: "Commands answered with a fallback value instead of a broker result",
		},
	)

	// BrokerLinkUp reports link availability (1=up, 0=down) per role
	BrokerLinkUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_link_up",
			Help: "Broker link availability by role (1=up, 0=down)",
		},
		[]string{"role"},
	)

	// BrokerReconnectsTotal counts full re-establishment attempts when both links are down
	BrokerReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Full link re-establishment attempts",
		},
	)
)

// Broadcast manager metrics
var (
	// ConnectedClients tracks currently registered sockets per channel
	ConnectedClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broadcast_connected_clients",
			Help: "Currently registered sockets by channel",
		},
		[]string{"channel"},
	)

	// ActiveIdentities tracks identities with at least one socket per channel
	ActiveIdentities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broadcast_active_identities",
			Help: "Identities with at least one registered socket by channel",
		},
		[]string{"channel"},
	)

	// MessagesDelivered counts per-socket deliveries per channel
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_messages_delivered_total",
			Help: "Per-socket message deliveries by channel",
		},
		[]string{"channel"},
	)

	// MessagesPublished counts envelopes published to the broker per channel
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_messages_published_total",
			Help: "Envelopes published to the broker by channel and status (broker/local)",
		},
		[]string{"channel", "status"},
	)

	// ListenerErrors counts subscription fetch/parse errors per channel
	ListenerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_listener_errors_total",
			Help: "Listener fetch and parse errors by channel and kind",
		},
		[]string{"channel", "kind"},
	)

	// SocketsEvicted counts sockets dropped on failed or saturated sends per channel
	SocketsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_sockets_evicted_total",
			Help: "Sockets disconnected after a failed or saturated send, by channel",
		},
		[]string{"channel"},
	)
)

// HTTP / rate limiting metrics
var (
	// RateLimitedRequests counts producer requests rejected by the rate limiter
	RateLimitedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_rejected_total",
			Help: "Producer API requests rejected by the rate limiter",
		},
	)
)
