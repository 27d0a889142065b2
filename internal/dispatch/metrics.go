package dispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	deliveriesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderedsub_deliveries_received_total",
			Help: "Deliveries pulled from the subscription",
		},
	)

	handlerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderedsub_handler_invocations_total",
			Help: "Handler invocations by outcome",
		},
		[]string{"outcome"},
	)

	handlerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orderedsub_handler_duration_seconds",
			Help:    "Handler invocation latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	bufferedMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderedsub_buffered_messages",
			Help: "Messages buffered in per-key queues awaiting dispatch",
		},
	)

	activeKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderedsub_active_keys",
			Help: "Ordering keys with tracked state",
		},
	)

	pausedKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderedsub_paused_keys",
			Help: "Ordering keys paused after a handler failure or waiting for a redelivery",
		},
	)

	admissionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderedsub_admission_rejections_total",
			Help: "Deliveries nacked at admission by reason",
		},
		[]string{"reason"},
	)

	deduplicatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderedsub_deduplicated_deliveries_total",
			Help: "Duplicate deliveries settled without a separate handler call",
		},
		[]string{"stage"},
	)

	orderingViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderedsub_ordering_violations_total",
			Help: "Concurrent dispatches detected for one key",
		},
	)

	subscribeReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderedsub_subscribe_reconnects_total",
			Help: "Subscription failures followed by a reconnect attempt",
		},
	)

	keyEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderedsub_key_events_total",
			Help: "Key state changes by type",
		},
		[]string{"type"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(
			deliveriesReceivedTotal,
			handlerInvocationsTotal,
			handlerDuration,
			bufferedMessages,
			activeKeys,
			pausedKeys,
			admissionRejectionsTotal,
			deduplicatedTotal,
			orderingViolationsTotal,
			subscribeReconnectsTotal,
			keyEventsTotal,
		)
	})
}
