package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueLagMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderedsub_queue_lag_messages",
			Help: "Number of messages pending in the stream (not yet delivered to the consumer)",
		},
	)

	queueAckPendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderedsub_queue_ack_pending_messages",
			Help: "Number of messages delivered to the consumer but not yet acknowledged",
		},
	)

	dlqMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderedsub_dlq_messages_total",
			Help: "Total number of messages sent to the dead letter queue",
		},
	)

	natsReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderedsub_nats_reconnects_total",
			Help: "Total number of NATS reconnection events",
		},
	)

	natsDisconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderedsub_nats_disconnects_total",
			Help: "Total number of NATS disconnection events",
		},
	)

	publishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderedsub_publishes_total",
			Help: "Published messages by result",
		},
		[]string{"result"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(queueLagMessages)
		prometheus.DefaultRegisterer.MustRegister(queueAckPendingMessages)
		prometheus.DefaultRegisterer.MustRegister(dlqMessagesTotal)
		prometheus.DefaultRegisterer.MustRegister(natsReconnectsTotal)
		prometheus.DefaultRegisterer.MustRegister(natsDisconnectsTotal)
		prometheus.DefaultRegisterer.MustRegister(publishesTotal)
	})
}
