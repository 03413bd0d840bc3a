package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransact = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_store_writes_total",
		Help: "Store writes by backend and outcome",
	}, []string{"backend", "result"})
	metricTxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_store_tx_retries_total",
		Help: "Optimistic transactions retried after losing a race",
	}, []string{"backend"})
)

func observeTransact(backend, result string) {
	metricTransact.WithLabelValues(backend, result).Inc()
}
