package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session registry metrics
var (
	// ActiveSessions tracks live connection actors
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatline_sessions_active",
			Help: "Number of connection actors currently running",
		},
	)

	// SessionsTotal tracks registration attempts by outcome (registered, replaced, rejected)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_sessions_total",
			Help: "Session registrations by outcome",
		},
		[]string{"outcome"},
	)

	// SessionCommandsTotal tracks commands processed by actors
	SessionCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_session_commands_total",
			Help: "Commands processed by connection actors by command type",
		},
		[]string{"command"},
	)

	// SessionWriteErrors tracks best-effort writes that failed inside an actor
	SessionWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatline_session_write_errors_total",
			Help: "Failed writes to a connection (non fatal)",
		},
	)

	// SessionExitsTotal tracks actor exits by reason (closed, peer_closed, error, shutdown)
	SessionExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_session_exits_total",
			Help: "Connection actor exits by reason",
		},
		[]string{"reason"},
	)
)

// Broker metrics
var (
	// BrokerChannels tracks the number of existing topics
	BrokerChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatline_broker_channels",
			Help: "Number of broker topics",
		},
	)

	// BrokerDeliveriesTotal tracks subscriber delivery attempts by result (ok, failed)
	BrokerDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_broker_deliveries_total",
			Help: "Subscriber delivery attempts by result",
		},
		[]string{"result"},
	)

	// BrokerSubscribersPruned tracks subscribers removed after a failed delivery
	BrokerSubscribersPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatline_broker_subscribers_pruned_total",
			Help: "Subscribers removed after a failed delivery",
		},
	)

	// BrokerSendDuration tracks the duration of one full fan-out pass
	BrokerSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatline_broker_send_duration_seconds",
			Help:    "Duration of a topic fan-out pass in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Chat metrics
var (
	// ChatMessagesTotal tracks inbound chat messages by outcome
	// (delivered, invalid, rate_limited, store_failed)
	ChatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_chat_messages_total",
			Help: "Inbound chat messages by outcome",
		},
		[]string{"outcome"},
	)
)
