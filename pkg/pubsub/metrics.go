package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gidigo_pubsub_subscriptions",
		Help: "Broker channel subscriptions currently held",
	}, []string{"backend"})

	messagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gidigo_pubsub_messages_delivered_total",
		Help: "Messages delivered to at least one bound handler",
	}, []string{"backend", "event"})

	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gidigo_pubsub_decode_failures_total",
		Help: "Inbound payloads that could not be decoded",
	}, []string{"backend"})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gidigo_pubsub_reconnects_total",
		Help: "Broker reconnects observed",
	}, []string{"backend"})
)

func recordReconnect(backend string) {
	reconnectsTotal.WithLabelValues(backend).Inc()
}
