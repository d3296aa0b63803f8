package dchat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the chat core's Prometheus collectors.
type Metrics struct {
	Connections       prometheus.Counter
	ReconnectAttempts prometheus.Counter
	AuthRefreshes     *prometheus.CounterVec
	Connected         prometheus.Gauge

	MessagesSent     prometheus.Counter
	MessagesAcked    prometheus.Counter
	MessagesFailed   prometheus.Counter
	MessagesInbound  prometheus.Counter
	DuplicateInbound prometheus.Counter

	EventsDropped *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewCounter(prometheus.CounterOpts{
			Name: "dchat_connections_total",
			Help: "Successful real-time connections, including reconnects",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "dchat_reconnect_attempts_total",
			Help: "Transport reconnection attempts",
		}),
		AuthRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dchat_auth_refreshes_total",
			Help: "Credential refresh attempts after an auth rejection",
		}, []string{"result"}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "dchat_connected",
			Help: "1 while the real-time channel is connected",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "dchat_messages_sent_total",
			Help: "Outgoing messages handed to the transport",
		}),
		MessagesAcked: f.NewCounter(prometheus.CounterOpts{
			Name: "dchat_messages_acked_total",
			Help: "Outgoing messages acknowledged by the server",
		}),
		MessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "dchat_messages_failed_total",
			Help: "Outgoing messages left pending without acknowledgement",
		}),
		MessagesInbound: f.NewCounter(prometheus.CounterOpts{
			Name: "dchat_messages_inbound_total",
			Help: "Inbound newMessage events",
		}),
		DuplicateInbound: f.NewCounter(prometheus.CounterOpts{
			Name: "dchat_messages_duplicate_total",
			Help: "Inbound messages ignored because the id was already held",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dchat_events_dropped_total",
			Help: "Inbound frames or observer notifications dropped, by reason",
		}, []string{"reason"}),
	}
}
