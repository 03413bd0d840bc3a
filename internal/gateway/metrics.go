package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_dials_total",
		Help: "Gateway dial attempts by result",
	}, []string{"result"})

	metricConnectMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_connect_ms",
		Help:    "Time to open the gateway socket (ms)",
		Buckets: prometheus.ExponentialBuckets(10, 1.8, 10),
	})

	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_state_transitions_total",
		Help: "Connection state transitions",
	}, []string{"from", "to"})

	metricSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_sent_total",
		Help: "Outbound frames written by type",
	}, []string{"type"})

	metricSendsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_sends_dropped_total",
		Help: "Outbound frames dropped because the socket was not open",
	}, []string{"type"})

	metricTokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_token_refreshes_total",
		Help: "Auth token refresh attempts",
	})

	metricAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_auth_failures_total",
		Help: "Terminal unauthorized outcomes",
	})

	metricServerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_server_errors_total",
		Help: "Server error frames surfaced to listeners",
	})
)
