package reconnect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_reconnect_scheduled_total",
		Help: "Reconnect attempts scheduled after an unexpected disconnect",
	})

	metricExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_reconnect_exhausted_total",
		Help: "Times the reconnect attempt cap was exceeded",
	})
)
