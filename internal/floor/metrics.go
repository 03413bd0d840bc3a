package floor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_floor_decisions_total",
		Help: "Floor operations by kind and outcome",
	}, []string{"op", "result"})
	metricWatchdogErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_floor_watchdog_errors_total",
		Help: "Watchdog polls that failed to reach the store",
	})
)
