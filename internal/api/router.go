package api

import (
	"net/http"
)

func only(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

// NewRouter serves the local control surface of a headless voice client.
func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", only(http.MethodGet, h.HandleHealth))
	mux.HandleFunc("/status", only(http.MethodGet, h.HandleStatus))
	mux.HandleFunc("/events", only(http.MethodGet, h.HandleListEvents))

	mux.HandleFunc("/floor", only(http.MethodGet, h.HandleGetFloor))
	mux.HandleFunc("/floor/take", only(http.MethodPost, h.HandleTakeFloor))
	mux.HandleFunc("/floor/release", only(http.MethodPost, h.HandleReleaseFloor))
	mux.HandleFunc("/floor/lock", only(http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.HandleLock(w, r, true) }))
	mux.HandleFunc("/floor/unlock", only(http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.HandleLock(w, r, false) }))
	mux.HandleFunc("/floor/enable", only(http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.HandleVoiceEnabled(w, r, true) }))
	mux.HandleFunc("/floor/disable", only(http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.HandleVoiceEnabled(w, r, false) }))

	mux.HandleFunc("/talk/start", only(http.MethodPost, h.HandleTalkStart))
	mux.HandleFunc("/talk/audio", only(http.MethodPost, h.HandleTalkAudio))
	mux.HandleFunc("/talk/stop", only(http.MethodPost, h.HandleTalkStop))

	mux.HandleFunc("/transcript", only(http.MethodGet, h.HandleTranscript))
	mux.HandleFunc("/transcript/analyze", only(http.MethodPost, h.HandleAnalyze))
	mux.HandleFunc("/scenario", only(http.MethodPost, h.HandleScenario))

	return mux
}
