package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/events"
	"cardiosim/voice/internal/floor"
	"cardiosim/voice/internal/gateway"
	"cardiosim/voice/internal/health"
	"cardiosim/voice/internal/participant"
	"cardiosim/voice/internal/transcript"
	"cardiosim/voice/internal/types"
)

// maxAudioBody bounds one uploaded audio chunk.
const maxAudioBody = 8 << 20

type Handlers struct {
	sess    *participant.Session
	journal *events.Store
	store   health.Pinger
}

func NewHandlers(sess *participant.Session, journal *events.Store, store health.Pinger) *Handlers {
	return &Handlers{sess: sess, journal: journal, store: store}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type decisionResponse struct {
	Granted bool         `json:"granted"`
	Reason  string       `json:"reason,omitempty"`
	Floor   floor.Record `json:"floor"`
}

func writeDecision(w http.ResponseWriter, d floor.Decision) {
	status := http.StatusOK
	if !d.Granted {
		status = http.StatusConflict
	}
	writeJSON(w, status, decisionResponse{Granted: d.Granted, Reason: d.Reason, Floor: d.Record})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, participant.ErrNotPresenter):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, participant.ErrNotTalking):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, gateway.ErrNotOpen):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Warn().Err(err).Str("module", "api").Msg("request failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func reqCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := health.CheckAll(r.Context(), h.sess.Gateway(), h.store)
	status := http.StatusOK
	if !st.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}

type statusResponse struct {
	Connection types.ConnectionStatus `json:"connection"`
	SessionID  string                 `json:"session_id"`
	UserID     string                 `json:"user_id"`
	Role       types.Role             `json:"role"`
	Talking    bool                   `json:"talking"`
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := h.sess.Identity()
	writeJSON(w, http.StatusOK, statusResponse{
		Connection: h.sess.Gateway().Status(),
		SessionID:  id.SessionID,
		UserID:     id.UserID,
		Role:       id.Role,
		Talking:    h.sess.Talking(),
	})
}

func (h *Handlers) HandleGetFloor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	rec, err := h.sess.Floor().Snapshot(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleTakeFloor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	id := h.sess.Identity()
	p := floor.Participant{ID: id.UserID, Name: id.DisplayName}
	take := h.sess.Floor().TakeFloor
	if r.URL.Query().Get("force") == "true" {
		take = h.sess.Floor().ForceTakeFloor
	}
	d, err := take(ctx, p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeDecision(w, d)
}

func (h *Handlers) HandleReleaseFloor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	d, err := h.sess.Floor().ReleaseFloor(ctx, h.sess.Identity().UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeDecision(w, d)
}

func (h *Handlers) HandleLock(w http.ResponseWriter, r *http.Request, locked bool) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	d, err := h.sess.SetLocked(ctx, locked)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeDecision(w, d)
}

func (h *Handlers) HandleVoiceEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	d, err := h.sess.SetVoiceEnabled(ctx, enabled)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeDecision(w, d)
}

func (h *Handlers) HandleTalkStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	d, err := h.sess.PressToTalk(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeDecision(w, d)
}

// HandleTalkAudio sends the request body as one doctor_audio chunk.
func (h *Handlers) HandleTalkAudio(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxAudioBody)
	if err := h.sess.SendAudio(body); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleTalkStop ends the turn. A non-empty body is sent as the final chunk first.
func (h *Handlers) HandleTalkStop(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) > 0 && h.sess.Talking() {
		if err := h.sess.SendAudio(bytes.NewReader(body)); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if err := h.sess.ReleaseTalk(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	turns := h.sess.Transcript().Turns()
	if turns == nil {
		turns = []transcript.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := h.sess.AnalyzeTranscript(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) HandleScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenarioId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScenarioID == "" {
		http.Error(w, "scenarioId required", http.StatusBadRequest)
		return
	}
	if err := h.sess.SetScenario(req.ScenarioID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.journal.List(h.sess.Identity().SessionID))
}
