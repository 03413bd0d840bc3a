package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_inbound_frames_total",
		Help: "Inbound gateway frames by type (malformed, unknown or message type)",
	}, []string{"type"})

	metricSubscriberPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_router_subscriber_panics_total",
		Help: "Subscriber callbacks that panicked during dispatch",
	})
)
