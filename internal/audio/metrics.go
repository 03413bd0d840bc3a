package audio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEncodedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_encoded_bytes_total",
		Help: "Captured audio bytes encoded for the gateway",
	})

	metricDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_decoded_total",
		Help: "Patient replies decoded into playable resources",
	})

	metricCodecErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_audio_errors_total",
		Help: "Audio codec failures by stage (encode, decode, sink)",
	}, []string{"stage"})
)
