package participant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTalk = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_talk_requests_total",
		Help: "Hold-to-speak presses by outcome",
	}, []string{"result"})
	metricAudioFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_patient_audio_decode_failures_total",
		Help: "Patient audio frames that could not be decoded",
	})
)
