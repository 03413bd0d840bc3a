// Package participant drives one seat in a voice session: hold-to-speak
// against the floor arbiter, outbound doctor audio, inbound patient replies
// and the session journal.
package participant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/audio"
	"cardiosim/voice/internal/clock"
	"cardiosim/voice/internal/events"
	"cardiosim/voice/internal/floor"
	"cardiosim/voice/internal/protocol"
	"cardiosim/voice/internal/transcript"
	"cardiosim/voice/internal/types"
)

// renewEvery throttles floor renewals while audio is flowing. It sits well
// inside the inactivity window so an active speaker is never auto-released.
const renewEvery = 5 * time.Second

var (
	ErrNotTalking   = errors.New("participant: not holding the floor")
	ErrNotPresenter = errors.New("participant: presenter only")
)

// Gateway is the slice of the connection manager a session needs.
// *gateway.Client satisfies it.
type Gateway interface {
	Connect(ctx context.Context, id types.SessionIdentity) error
	Disconnect()
	Router() *protocol.Router
	Status() types.ConnectionStatus
	OnStatus(fn func(types.ConnectionStatus)) protocol.Disposer
	OnReconnectScheduled(fn func(attempt int, delay time.Duration)) protocol.Disposer
	StartSpeaking(character string) error
	StopSpeaking(character string) error
	SendDoctorAudio(audioBase64, contentType, character string) error
	AnalyzeTranscript(turns []protocol.TurnPayload) error
	SetScenario(scenarioID string) error
}

type Config struct {
	Identity     types.SessionIdentity
	Character    string
	ContentType  string
	ReleaseGrace time.Duration
	// ForceTake makes hold-to-speak take the floor over another holder.
	ForceTake bool
	Clock     clock.Clock
}

type Deps struct {
	Gateway    Gateway
	Floor      *floor.Arbiter
	Codec      *audio.Codec
	Transcript *transcript.Aggregator
	Journal    *events.Store
}

type Session struct {
	cfg     Config
	gw      Gateway
	floor   *floor.Arbiter
	codec   *audio.Codec
	agg     *transcript.Aggregator
	journal *events.Store
	clock   clock.Clock

	mu         sync.Mutex
	talking    bool
	lastRenew  time.Time
	releaseGen uint64
	release    clock.Timer
	started    bool
	disposers  []func()

	audioMu   sync.Mutex
	audioSubs []func(audio.Resource)
}

func New(cfg Config, deps Deps) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = floor.DefaultReleaseGrace
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "audio/webm"
	}
	if deps.Transcript == nil {
		deps.Transcript = transcript.New()
	}
	return &Session{
		cfg:     cfg,
		gw:      deps.Gateway,
		floor:   deps.Floor,
		codec:   deps.Codec,
		agg:     deps.Transcript,
		journal: deps.Journal,
		clock:   cfg.Clock,
	}
}

func (s *Session) Identity() types.SessionIdentity { return s.cfg.Identity }

func (s *Session) Transcript() *transcript.Aggregator { return s.agg }

func (s *Session) Floor() *floor.Arbiter { return s.floor }

func (s *Session) Gateway() Gateway { return s.gw }

// Start wires subscriptions and connects.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.started = true
		s.disposers = s.subscribe()
	}
	s.mu.Unlock()
	if s.floor != nil {
		s.floor.StartWatchdog()
	}
	return s.gw.Connect(ctx, s.cfg.Identity)
}

func (s *Session) subscribe() []func() {
	r := s.gw.Router()
	sid := s.cfg.Identity.SessionID
	ds := []func(){
		s.agg.Attach(r),
		r.OnPatientAudio(s.onPatientAudio),
		s.gw.OnStatus(func(st types.ConnectionStatus) {
			s.record(events.TypeConnection, map[string]any{"state": string(st.State), "reason": st.Reason})
		}),
		s.gw.OnReconnectScheduled(func(attempt int, delay time.Duration) {
			s.record(events.TypeReconnect, map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()})
		}),
		s.agg.OnCompleted(func(t transcript.Turn) {
			s.record(events.TypeTurn, map[string]any{"id": t.ID, "character": t.Character, "text": t.Text})
		}),
		r.OnError(func(e protocol.ServerError) {
			s.record(events.TypeServerError, map[string]any{"message": e.Message})
		}),
		r.OnAnalysisResult(func(a protocol.AnalysisResult) {
			s.record(events.TypeAnalysis, map[string]any{"raw": string(a.Raw)})
		}),
		r.OnSimState(func(st protocol.SimState) {
			s.record(events.TypeSimState, map[string]any{"stage_id": st.StageID, "fallback_mode": st.FallbackMode})
			if st.FallbackMode {
				log.Warn().Str("module", "participant").Str("session", sid).Msg("backend in fallback mode, voice paused")
			}
		}),
		r.OnScenarioChanged(func(sc protocol.ScenarioChanged) {
			s.record(events.TypeScenario, map[string]any{"scenario_id": sc.ScenarioID})
		}),
		r.OnParticipantState(func(p protocol.ParticipantState) {
			s.record(events.TypeParticipant, map[string]any{"user_id": p.UserID, "speaking": p.Speaking})
		}),
	}
	if s.floor != nil {
		ds = append(ds, s.floor.OnChange(func(rec floor.Record) {
			s.record(events.TypeFloor, map[string]any{
				"holder": rec.FloorHolderID, "mode": string(rec.Mode), "locked": rec.Locked, "enabled": rec.Enabled,
			})
			if rec.FloorHolderID != s.cfg.Identity.UserID {
				s.loseFloor(rec.FloorHolderID)
			}
		}))
		if s.cfg.Identity.Role == types.RolePresenter {
			ds = append(ds, r.OnPatientState(s.mirrorPatientState))
		}
	}
	return ds
}

func (s *Session) record(typ string, payload map[string]any) {
	if s.journal == nil {
		return
	}
	s.journal.Append(s.cfg.Identity.SessionID, typ, payload)
}

// mirrorPatientState keeps the floor in ai-speaking while the patient replies.
// Only the presenter's client writes it so the record has one owner.
func (s *Session) mirrorPatientState(ps protocol.PatientState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if ps.State == protocol.PatientSpeaking {
		_, err = s.floor.BeginAISpeaking(ctx)
	} else {
		_, err = s.floor.EndAISpeaking(ctx)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "participant").Str("state", ps.State).Msg("floor mode update failed")
	}
}

func (s *Session) onPatientAudio(pa protocol.PatientAudio) {
	if s.codec == nil {
		return
	}
	res, err := s.codec.Decode(pa.AudioBase64, pa.ContentType)
	if err != nil {
		metricAudioFailures.Inc()
		log.Warn().Err(err).Str("module", "participant").Msg("patient audio dropped")
		s.record(events.TypeAudioFailure, map[string]any{"error": err.Error()})
		return
	}
	s.audioMu.Lock()
	subs := append(([]func(audio.Resource))(nil), s.audioSubs...)
	s.audioMu.Unlock()
	for _, fn := range subs {
		fn(res)
	}
}

// OnPatientAudio subscribes to decoded patient replies. The resource stays
// valid until the next reply arrives.
func (s *Session) OnPatientAudio(fn func(audio.Resource)) {
	s.audioMu.Lock()
	s.audioSubs = append(s.audioSubs, fn)
	s.audioMu.Unlock()
}

func (s *Session) participant() floor.Participant {
	return floor.Participant{ID: s.cfg.Identity.UserID, Name: s.cfg.Identity.DisplayName}
}

// PressToTalk claims the floor and tells the backend a turn is starting.
// A pending grace release from the previous turn is cancelled so the
// participant keeps the floor.
func (s *Session) PressToTalk(ctx context.Context) (floor.Decision, error) {
	s.cancelRelease()

	take := s.floor.TakeFloor
	if s.cfg.ForceTake {
		take = s.floor.ForceTakeFloor
	}
	d, err := take(ctx, s.participant())
	if err != nil {
		return d, err
	}
	if !d.Granted {
		metricTalk.WithLabelValues("rejected").Inc()
		log.Info().Str("module", "participant").Str("reason", d.Reason).Str("holder", d.Record.FloorHolderID).Msg("floor not granted")
		return d, nil
	}
	if err := s.gw.StartSpeaking(s.cfg.Character); err != nil {
		// do not sit on the floor while the backend cannot hear us
		if _, rerr := s.floor.ReleaseFloor(ctx, s.cfg.Identity.UserID); rerr != nil {
			log.Warn().Err(rerr).Str("module", "participant").Msg("release after failed start")
		}
		metricTalk.WithLabelValues("send_failed").Inc()
		return floor.Decision{Reason: "not_connected", Record: d.Record}, err
	}
	s.mu.Lock()
	s.talking = true
	s.lastRenew = s.clock.Now()
	s.mu.Unlock()
	metricTalk.WithLabelValues("granted").Inc()
	return d, nil
}

// SendAudio encodes one captured chunk and sends it as doctor_audio. While
// audio flows the floor is renewed every few seconds; a renewal rejected
// because someone else now holds the floor ends the turn.
func (s *Session) SendAudio(src io.Reader) error {
	if !s.Talking() {
		return ErrNotTalking
	}
	if err := s.renewIfDue(); err != nil {
		return err
	}
	b64, err := s.codec.Encode(src)
	if err != nil {
		return fmt.Errorf("encode doctor audio: %w", err)
	}
	return s.gw.SendDoctorAudio(b64, s.cfg.ContentType, s.cfg.Character)
}

// ReleaseTalk ends the turn and gives the floor back after the grace window.
func (s *Session) ReleaseTalk() error {
	s.mu.Lock()
	if !s.talking {
		s.mu.Unlock()
		return nil
	}
	s.talking = false
	s.releaseGen++
	gen := s.releaseGen
	if s.release != nil {
		s.release.Stop()
	}
	s.release = s.clock.AfterFunc(s.cfg.ReleaseGrace, func() { s.releaseFloor(gen) })
	s.mu.Unlock()

	err := s.gw.StopSpeaking(s.cfg.Character)
	if err != nil {
		log.Warn().Err(err).Str("module", "participant").Msg("stop_speaking not sent")
	}
	return err
}

func (s *Session) releaseFloor(gen uint64) {
	s.mu.Lock()
	if gen != s.releaseGen || s.talking {
		s.mu.Unlock()
		return
	}
	s.release = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := s.floor.ReleaseFloor(ctx, s.cfg.Identity.UserID)
	if err != nil {
		log.Warn().Err(err).Str("module", "participant").Msg("floor release failed")
		return
	}
	if !d.Granted {
		log.Debug().Str("module", "participant").Str("reason", d.Reason).Msg("floor already gone")
	}
}

func (s *Session) renewIfDue() error {
	s.mu.Lock()
	now := s.clock.Now()
	due := s.floor != nil && now.Sub(s.lastRenew) >= renewEvery
	if due {
		s.lastRenew = now
	}
	s.mu.Unlock()
	if !due {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := s.floor.RenewFloor(ctx, s.cfg.Identity.UserID)
	if err != nil {
		// retried on the next chunk
		s.mu.Lock()
		s.lastRenew = time.Time{}
		s.mu.Unlock()
		log.Warn().Err(err).Str("module", "participant").Msg("floor renew failed")
		return nil
	}
	if !d.Granted {
		s.loseFloor(d.Record.FloorHolderID)
		return ErrNotTalking
	}
	return nil
}

// loseFloor ends a turn whose floor went to someone else or was released
// from under us.
func (s *Session) loseFloor(holder string) {
	s.mu.Lock()
	if !s.talking {
		s.mu.Unlock()
		return
	}
	s.talking = false
	s.mu.Unlock()

	metricTalk.WithLabelValues("floor_lost").Inc()
	log.Info().Str("module", "participant").Str("holder", holder).Msg("floor lost while talking")
	if err := s.gw.StopSpeaking(s.cfg.Character); err != nil {
		log.Warn().Err(err).Str("module", "participant").Msg("stop_speaking not sent")
	}
}

func (s *Session) cancelRelease() {
	s.mu.Lock()
	s.releaseGen++
	if s.release != nil {
		s.release.Stop()
		s.release = nil
	}
	s.mu.Unlock()
}

func (s *Session) Talking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.talking
}

// AnalyzeTranscript sends every recorded turn for scoring.
func (s *Session) AnalyzeTranscript() error {
	return s.gw.AnalyzeTranscript(transcript.Payload(s.agg.Turns()))
}

func (s *Session) SetScenario(scenarioID string) error {
	if s.cfg.Identity.Role != types.RolePresenter {
		return ErrNotPresenter
	}
	return s.gw.SetScenario(scenarioID)
}

// SetLocked and SetVoiceEnabled are presenter floor controls.
func (s *Session) SetLocked(ctx context.Context, locked bool) (floor.Decision, error) {
	if s.cfg.Identity.Role != types.RolePresenter {
		return floor.Decision{}, ErrNotPresenter
	}
	return s.floor.SetLocked(ctx, locked)
}

func (s *Session) SetVoiceEnabled(ctx context.Context, enabled bool) (floor.Decision, error) {
	if s.cfg.Identity.Role != types.RolePresenter {
		return floor.Decision{}, ErrNotPresenter
	}
	return s.floor.SetEnabled(ctx, enabled)
}

// Close ends any turn immediately, releasing the floor without waiting for
// the grace window, then stops the watchdog and disconnects.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	graceRunning := s.release != nil
	s.mu.Unlock()
	s.cancelRelease()
	s.mu.Lock()
	wasTalking := s.talking
	s.talking = false
	ds := s.disposers
	s.disposers = nil
	s.started = false
	s.mu.Unlock()

	if wasTalking {
		_ = s.gw.StopSpeaking(s.cfg.Character)
	}
	if (wasTalking || graceRunning) && s.floor != nil {
		if _, err := s.floor.ReleaseFloor(ctx, s.cfg.Identity.UserID); err != nil {
			log.Warn().Err(err).Str("module", "participant").Msg("release on close failed")
		}
	}
	if s.floor != nil {
		s.floor.Stop()
	}
	for _, d := range ds {
		d()
	}
	s.gw.Disconnect()
	if s.codec != nil {
		s.codec.Release()
	}
}
