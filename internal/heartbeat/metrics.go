package heartbeat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_heartbeat_timeouts_total",
		Help: "Connections force-closed because no pong arrived in time",
	})

	metricPongs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_heartbeat_pongs_total",
		Help: "Pong frames observed",
	})
)
