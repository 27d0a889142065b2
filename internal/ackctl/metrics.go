package ackctl

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderedsub_settlements_total",
			Help: "Delivery settlements by operation (ack, nack) and result",
		},
		[]string{"op", "result"},
	)

	settleRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderedsub_settle_retries_total",
			Help: "Retried ack and nack calls",
		},
		[]string{"op"},
	)

	ledgerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderedsub_dedup_ledger_errors_total",
			Help: "Failed writes to the processed-message ledger",
		},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(settlementsTotal)
		prometheus.DefaultRegisterer.MustRegister(settleRetriesTotal)
		prometheus.DefaultRegisterer.MustRegister(ledgerErrorsTotal)
	})
}
