package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_auth_attempts_total",
			Help: "Connection credential validations.",
		},
		[]string{"service", "method", "result"},
	)

	WSConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_connections_active",
			Help: "Currently open websocket connections.",
		},
		[]string{"service"},
	)

	WSConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_connections_total",
			Help: "Websocket connection attempts.",
		},
		[]string{"service", "result"},
	)

	MessagesPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_persisted_total",
			Help: "Send requests reaching the persistence step.",
		},
		[]string{"service", "result"},
	)

	MessageDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_message_deliveries_total",
			Help: "Per-connection delivery attempts after persistence.",
		},
		[]string{"service", "kind"},
	)

	TypingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_typing_events_total",
			Help: "Typing signals routed or dropped.",
		},
		[]string{"service", "result"},
	)

	PresenceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_presence_events_total",
			Help: "Online/offline transitions broadcast.",
		},
		[]string{"service", "event"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	AuthAttemptsTotal = AuthAttemptsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	WSConnectionsActive = WSConnectionsActive.MustCurryWith(prometheus.Labels{"service": serviceName})
	WSConnectionsTotal = WSConnectionsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	MessagesPersistedTotal = MessagesPersistedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	MessageDeliveriesTotal = MessageDeliveriesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	TypingEventsTotal = TypingEventsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	PresenceEventsTotal = PresenceEventsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthAttemptsTotal,
		WSConnectionsActive,
		WSConnectionsTotal,
		MessagesPersistedTotal,
		MessageDeliveriesTotal,
		TypingEventsTotal,
		PresenceEventsTotal,
	)
}
