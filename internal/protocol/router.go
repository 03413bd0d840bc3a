package protocol

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Disposer removes a subscription. Calling it more than once is harmless.
type Disposer func()

type handler struct {
	id uint64
	fn func([]byte)
}

// Router fans inbound frames out to per-type subscriber groups.
type Router struct {
	mu   sync.RWMutex
	next uint64
	subs map[string][]handler
}

func NewRouter() *Router {
	return &Router{subs: make(map[string][]handler)}
}

var knownTypes = map[string]bool{
	TypePatientState:           true,
	TypePatientTranscriptDelta: true,
	TypeParticipantState:       true,
	TypePatientAudio:           true,
	TypeDoctorUtterance:        true,
	TypeScenarioChanged:        true,
	TypeAnalysisResult:         true,
	TypeSimState:               true,
	TypeError:                  true,
	TypeJoined:                 true,
	TypePong:                   true,
}

// Dispatch parses one frame and delivers it to every subscriber of its type.
// Malformed frames are logged and dropped; unknown types are ignored.
func (r *Router) Dispatch(frame []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		metricFrames.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Str("module", "protocol").Str("frame", preview(frame)).Msg("bad json")
		return
	}
	if !knownTypes[env.Type] {
		metricFrames.WithLabelValues("unknown").Inc()
		log.Debug().Str("module", "protocol").Str("type", env.Type).Msg("ignoring unknown frame type")
		return
	}
	metricFrames.WithLabelValues(env.Type).Inc()

	r.mu.RLock()
	hs := append([]handler(nil), r.subs[env.Type]...)
	r.mu.RUnlock()
	for _, h := range hs {
		r.deliver(env.Type, h, frame)
	}
}

func (r *Router) deliver(typ string, h handler, frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			metricSubscriberPanics.Inc()
			log.Error().Str("module", "protocol").Str("type", typ).Interface("panic", rec).Msg("subscriber panicked")
		}
	}()
	h.fn(frame)
}

// Subscribers reports how many handlers are registered for typ.
func (r *Router) Subscribers(typ string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[typ])
}

func (r *Router) subscribe(typ string, fn func([]byte)) Disposer {
	r.mu.Lock()
	r.next++
	id := r.next
	r.subs[typ] = append(r.subs[typ], handler{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			hs := r.subs[typ]
			for i, h := range hs {
				if h.id == id {
					r.subs[typ] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
		})
	}
}

type rawSetter interface{ setRaw([]byte) }

func (a *AnalysisResult) setRaw(b []byte) { a.Raw = append(json.RawMessage(nil), b...) }
func (s *SimState) setRaw(b []byte)       { s.Raw = append(json.RawMessage(nil), b...) }

func on[T any](r *Router, typ string, fn func(T)) Disposer {
	return r.subscribe(typ, func(frame []byte) {
		var v T
		if err := json.Unmarshal(frame, &v); err != nil {
			metricFrames.WithLabelValues("malformed").Inc()
			log.Warn().Err(err).Str("module", "protocol").Str("type", typ).Msg("frame does not match its type")
			return
		}
		if rs, ok := any(&v).(rawSetter); ok {
			rs.setRaw(frame)
		}
		fn(v)
	})
}

func (r *Router) OnPatientState(fn func(PatientState)) Disposer {
	return on(r, TypePatientState, fn)
}

func (r *Router) OnTranscriptDelta(fn func(TranscriptDelta)) Disposer {
	return on(r, TypePatientTranscriptDelta, fn)
}

func (r *Router) OnParticipantState(fn func(ParticipantState)) Disposer {
	return on(r, TypeParticipantState, fn)
}

func (r *Router) OnPatientAudio(fn func(PatientAudio)) Disposer {
	return on(r, TypePatientAudio, fn)
}

func (r *Router) OnDoctorUtterance(fn func(DoctorUtterance)) Disposer {
	return on(r, TypeDoctorUtterance, fn)
}

func (r *Router) OnScenarioChanged(fn func(ScenarioChanged)) Disposer {
	return on(r, TypeScenarioChanged, fn)
}

func (r *Router) OnAnalysisResult(fn func(AnalysisResult)) Disposer {
	return on(r, TypeAnalysisResult, fn)
}

func (r *Router) OnSimState(fn func(SimState)) Disposer {
	return on(r, TypeSimState, fn)
}

func (r *Router) OnError(fn func(ServerError)) Disposer {
	return on(r, TypeError, fn)
}

func (r *Router) OnJoined(fn func(Joined)) Disposer {
	return on(r, TypeJoined, fn)
}

func (r *Router) OnPong(fn func(Pong)) Disposer {
	return on(r, TypePong, fn)
}

func preview(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
