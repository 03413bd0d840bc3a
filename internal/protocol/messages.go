package protocol

import "encoding/json"

// Inbound frame types.
const (
	TypePatientState           = "patient_state"
	TypePatientTranscriptDelta = "patient_transcript_delta"
	TypeParticipantState       = "participant_state"
	TypePatientAudio           = "patient_audio"
	TypeDoctorUtterance        = "doctor_utterance"
	TypeScenarioChanged        = "scenario_changed"
	TypeAnalysisResult         = "analysis_result"
	TypeSimState               = "sim_state"
	TypeError                  = "error"
	TypeJoined                 = "joined"
	TypePong                   = "pong"
)

// Patient speaking states carried by patient_state.
const (
	PatientIdle      = "idle"
	PatientListening = "listening"
	PatientSpeaking  = "speaking"
	PatientError     = "error"
)

// ErrUnauthorizedToken is the server error message that triggers the
// one-shot token refresh.
const ErrUnauthorizedToken = "unauthorized_token"

type PatientState struct {
	State       string `json:"state"`
	Character   string `json:"character,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type TranscriptDelta struct {
	Text      string `json:"text"`
	Character string `json:"character,omitempty"`
}

type ParticipantState struct {
	UserID   string `json:"userId"`
	Speaking bool   `json:"speaking"`
}

type PatientAudio struct {
	AudioBase64 string `json:"audioBase64"`
	ContentType string `json:"contentType,omitempty"`
}

type DoctorUtterance struct {
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	Character string `json:"character,omitempty"`
}

type ScenarioChanged struct {
	ScenarioID string `json:"scenarioId"`
}

// AnalysisResult is opaque to the client; Raw holds the whole frame.
type AnalysisResult struct {
	Raw json.RawMessage `json:"-"`
}

// SimState is a backend-pushed scenario snapshot. Only the fields the client
// surfaces are typed; Raw keeps the rest.
type SimState struct {
	StageID      string          `json:"stageId"`
	Vitals       json.RawMessage `json:"vitals,omitempty"`
	Orders       json.RawMessage `json:"orders,omitempty"`
	Budget       json.RawMessage `json:"budget,omitempty"`
	FallbackMode bool            `json:"fallbackMode,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

type ServerError struct {
	Message string `json:"message"`
}

type Joined struct {
	InsecureMode bool `json:"insecureMode,omitempty"`
}

type Pong struct{}
