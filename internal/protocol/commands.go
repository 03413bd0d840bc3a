// Package protocol defines the JSON frames exchanged with the voice gateway
// and routes inbound frames to typed subscribers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound frame types.
const (
	TypeJoin              = "join"
	TypeStartSpeaking     = "start_speaking"
	TypeStopSpeaking      = "stop_speaking"
	TypeVoiceCommand      = "voice_command"
	TypeSetScenario       = "set_scenario"
	TypeDoctorAudio       = "doctor_audio"
	TypeAnalyzeTranscript = "analyze_transcript"
	TypePing              = "ping"
)

// Command is one of the client→server frames. The set is closed.
type Command interface {
	Type() string
	command()
}

type Join struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	AuthToken   string `json:"authToken,omitempty"`
}

type StartSpeaking struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Character string `json:"character,omitempty"`
}

type StopSpeaking struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Character string `json:"character,omitempty"`
}

type VoiceCommand struct {
	SessionID   string          `json:"sessionId"`
	UserID      string          `json:"userId"`
	Character   string          `json:"character,omitempty"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type SetScenario struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	ScenarioID string `json:"scenarioId"`
}

type DoctorAudio struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	Character   string `json:"character,omitempty"`
	AudioBase64 string `json:"audioBase64"`
	ContentType string `json:"contentType"`
}

// TurnPayload is a transcript turn as sent for analysis.
type TurnPayload struct {
	ID         string `json:"id"`
	Character  string `json:"character"`
	Text       string `json:"text"`
	IsComplete bool   `json:"isComplete"`
}

type AnalyzeTranscript struct {
	SessionID string        `json:"sessionId"`
	UserID    string        `json:"userId"`
	Turns     []TurnPayload `json:"turns"`
}

type Ping struct{}

func (Join) Type() string              { return TypeJoin }
func (StartSpeaking) Type() string     { return TypeStartSpeaking }
func (StopSpeaking) Type() string      { return TypeStopSpeaking }
func (VoiceCommand) Type() string      { return TypeVoiceCommand }
func (SetScenario) Type() string       { return TypeSetScenario }
func (DoctorAudio) Type() string       { return TypeDoctorAudio }
func (AnalyzeTranscript) Type() string { return TypeAnalyzeTranscript }
func (Ping) Type() string              { return TypePing }

func (Join) command()              {}
func (StartSpeaking) command()     {}
func (StopSpeaking) command()      {}
func (VoiceCommand) command()      {}
func (SetScenario) command()       {}
func (DoctorAudio) command()       {}
func (AnalyzeTranscript) command() {}
func (Ping) command()              {}

// Encode serializes cmd as a single JSON text frame tagged with its type.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode: nil command")
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}
	typ, _ := json.Marshal(cmd.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}
