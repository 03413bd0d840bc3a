// Package gatewaysim is a small stand-in for the voice gateway. It speaks the
// same JSON frames as the real backend, checks join tokens, and answers
// doctor audio with a scripted patient reply. Used for local runs and
// end-to-end tests of the client.
package gatewaysim

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	ws "nhooyr.io/websocket"

	"cardiosim/voice/internal/auth"
	"cardiosim/voice/internal/events"
	"cardiosim/voice/internal/protocol"
)

// DefaultReply is what the simulated patient says after each doctor turn.
const DefaultReply = "I have had chest pain since this morning."

// Config controls the simulator. An empty Secret accepts every join and
// reports insecure mode.
type Config struct {
	Secret string
	Skew   time.Duration
	Reply  string
	// ReplyAudio is echoed as patient audio; nil echoes the doctor's audio.
	ReplyAudio  []byte
	ContentType string
	Now         func() time.Time
}

// frame is the union of every client→server field the simulator reads.
type frame struct {
	Type        string                 `json:"type"`
	SessionID   string                 `json:"sessionId"`
	UserID      string                 `json:"userId"`
	DisplayName string                 `json:"displayName"`
	Role        string                 `json:"role"`
	AuthToken   string                 `json:"authToken"`
	Character   string                 `json:"character"`
	ScenarioID  string                 `json:"scenarioId"`
	AudioBase64 string                 `json:"audioBase64"`
	ContentType string                 `json:"contentType"`
	CommandType string                 `json:"commandType"`
	Turns       []protocol.TurnPayload `json:"turns"`
}

type Server struct {
	Cfg     Config
	Reg     *Registry
	Journal *events.Store
}

func NewServer(cfg Config, reg *Registry, journal *events.Store) *Server {
	if cfg.Reply == "" {
		cfg.Reply = DefaultReply
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "audio/mpeg"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if reg == nil {
		reg = NewRegistry()
	}
	if journal == nil {
		journal = events.NewStore()
	}
	return &Server{Cfg: cfg, Reg: reg, Journal: journal}
}

// seat is the identity bound to a socket by its join frame.
type seat struct {
	sessionID string
	userID    string
}

// HandleWS upgrades the request and serves one client until it disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Warn().Err(err).Str("module", "gatewaysim").Msg("ws accept")
		return
	}
	ctx := r.Context()
	var me *seat
	defer func() {
		_ = c.Close(ws.StatusNormalClosure, "done")
		if me != nil {
			s.Reg.Remove(me.sessionID, me.userID, c)
			s.Journal.Append(me.sessionID, "client_disconnected", map[string]any{"userId": me.userID})
		}
	}()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText && typ != ws.MessageBinary {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug().Err(err).Str("module", "gatewaysim").Msg("invalid frame")
			continue
		}
		if f.Type == protocol.TypePing {
			_ = writeJSON(ctx, c, map[string]any{"type": protocol.TypePong})
			continue
		}
		if f.Type == protocol.TypeJoin {
			next, ok := s.join(ctx, c, f)
			if ok {
				if me != nil && (me.sessionID != next.sessionID || me.userID != next.userID) {
					s.Reg.Remove(me.sessionID, me.userID, c)
				}
				me = next
			}
			continue
		}
		if me == nil {
			_ = writeJSON(ctx, c, errorFrame("not_joined"))
			continue
		}
		s.handle(ctx, c, me, f)
	}
}

func (s *Server) join(ctx context.Context, c *ws.Conn, f frame) (*seat, bool) {
	if f.SessionID == "" || f.UserID == "" {
		_ = writeJSON(ctx, c, errorFrame("invalid_join"))
		return nil, false
	}
	insecure := s.Cfg.Secret == ""
	if !insecure {
		claims, err := auth.ValidateToken(s.Cfg.Secret, f.AuthToken, f.SessionID, s.Cfg.Now(), s.Cfg.Skew)
		if err != nil || claims.UserID != f.UserID {
			s.Journal.Append(f.SessionID, "join_rejected", map[string]any{"userId": f.UserID, "error": errString(err)})
			_ = writeJSON(ctx, c, errorFrame(protocol.ErrUnauthorizedToken))
			return nil, false
		}
	}
	if s.Reg.Replace(f.SessionID, f.UserID, c) {
		s.Journal.Append(f.SessionID, "client_replaced", map[string]any{"userId": f.UserID})
	}
	s.Journal.Append(f.SessionID, "client_joined", map[string]any{"userId": f.UserID, "role": f.Role, "displayName": f.DisplayName})
	_ = writeJSON(ctx, c, map[string]any{"type": protocol.TypeJoined, "insecureMode": insecure})
	return &seat{sessionID: f.SessionID, userID: f.UserID}, true
}

func (s *Server) handle(ctx context.Context, c *ws.Conn, me *seat, f frame) {
	sid := me.sessionID
	switch f.Type {
	case protocol.TypeStartSpeaking:
		s.Reg.Broadcast(ctx, sid, map[string]any{"type": protocol.TypeParticipantState, "userId": me.userID, "speaking": true})
		s.Reg.Broadcast(ctx, sid, patientState(protocol.PatientListening, f.Character))
	case protocol.TypeStopSpeaking:
		s.Reg.Broadcast(ctx, sid, map[string]any{"type": protocol.TypeParticipantState, "userId": me.userID, "speaking": false})
	case protocol.TypeDoctorAudio:
		s.reply(ctx, c, me, f)
	case protocol.TypeSetScenario:
		s.Journal.Append(sid, "scenario_set", map[string]any{"scenarioId": f.ScenarioID})
		s.Reg.Broadcast(ctx, sid, map[string]any{"type": protocol.TypeScenarioChanged, "scenarioId": f.ScenarioID})
	case protocol.TypeAnalyzeTranscript:
		_ = writeJSON(ctx, c, analysis(f.Turns))
	case protocol.TypeVoiceCommand:
		s.Journal.Append(sid, "voice_command", map[string]any{"userId": me.userID, "commandType": f.CommandType})
	default:
		_ = writeJSON(ctx, c, errorFrame("unknown_type"))
	}
}

// reply plays the scripted patient turn: the doctor's words, then the
// patient speaking in two transcript deltas with audio, then idle.
func (s *Server) reply(ctx context.Context, c *ws.Conn, me *seat, f frame) {
	raw, err := base64.StdEncoding.DecodeString(f.AudioBase64)
	if err != nil || len(raw) == 0 {
		_ = writeJSON(ctx, c, errorFrame("invalid_audio"))
		return
	}
	sid := me.sessionID
	s.Journal.Append(sid, "doctor_audio", map[string]any{"userId": me.userID, "bytes": len(raw)})
	s.Reg.Broadcast(ctx, sid, map[string]any{
		"type":   protocol.TypeDoctorUtterance,
		"userId": me.userID,
		"text":   fmt.Sprintf("[%d bytes of %s]", len(raw), f.ContentType),
	})

	character := f.Character
	if character == "" {
		character = "patient"
	}
	s.Reg.Broadcast(ctx, sid, patientState(protocol.PatientSpeaking, character))
	head, tail := split(s.Cfg.Reply)
	for _, part := range []string{head, tail} {
		if part == "" {
			continue
		}
		s.Reg.Broadcast(ctx, sid, map[string]any{"type": protocol.TypePatientTranscriptDelta, "text": part, "character": character})
	}
	audio := s.Cfg.ReplyAudio
	if audio == nil {
		audio = raw
	}
	s.Reg.Broadcast(ctx, sid, map[string]any{
		"type":        protocol.TypePatientAudio,
		"audioBase64": base64.StdEncoding.EncodeToString(audio),
		"contentType": s.Cfg.ContentType,
	})
	s.Reg.Broadcast(ctx, sid, patientState(protocol.PatientIdle, character))
}

func analysis(turns []protocol.TurnPayload) map[string]any {
	doctor, patient := 0, 0
	for _, t := range turns {
		if t.Character == "doctor" {
			doctor++
		} else {
			patient++
		}
	}
	return map[string]any{
		"type":         protocol.TypeAnalysisResult,
		"turns":        len(turns),
		"doctorTurns":  doctor,
		"patientTurns": patient,
	}
}

func patientState(state, character string) map[string]any {
	m := map[string]any{"type": protocol.TypePatientState, "state": state}
	if character != "" {
		m["character"] = character
	}
	return m
}

func errorFrame(msg string) map[string]any {
	return map[string]any{"type": protocol.TypeError, "message": msg}
}

// split cuts s at the middle word boundary so the reply arrives as two
// deltas that concatenate back to s.
func split(s string) (string, string) {
	i := strings.IndexByte(s[len(s)/2:], ' ')
	if i < 0 {
		return s, ""
	}
	i += len(s) / 2
	return s[:i], s[i:]
}

func writeJSON(ctx context.Context, c *ws.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(ctx, ws.MessageText, b)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
