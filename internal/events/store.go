// Package events keeps a per-session journal of what happened on the voice
// channel so a UI or the control API can render history.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents caps each session's journal.
const DefaultMaxEvents = 200

// Event types written by the voice client.
const (
	TypeConnection   = "connection"
	TypeReconnect    = "reconnect_scheduled"
	TypeFloor        = "floor"
	TypeTurn         = "turn_completed"
	TypeServerError  = "server_error"
	TypeAnalysis     = "analysis_result"
	TypeSimState     = "sim_state"
	TypeScenario     = "scenario_changed"
	TypeTruncated    = "events_truncated"
	TypeParticipant  = "participant_state"
	TypeAudioFailure = "audio_decode_failed"
)

type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Store struct {
	mu     sync.RWMutex
	max    int
	bySess map[string][]Event
}

func NewStore() *Store {
	return NewStoreWithLimit(DefaultMaxEvents)
}

func NewStoreWithLimit(max int) *Store {
	if max < 2 {
		max = 2
	}
	return &Store{max: max, bySess: make(map[string][]Event)}
}

// Append records an event. Once a session exceeds the cap the oldest entries
// are dropped and a single events_truncated marker is appended, so the
// journal never holds more than max entries.
func (s *Store) Append(sessionID, typ string, payload map[string]any) Event {
	evt := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	evts := append(s.bySess[sessionID], evt)
	if l := len(evts); l > s.max {
		keep := s.max - 1
		dropped := l - keep
		evts = append([]Event(nil), evts[l-keep:]...)
		evts = append(evts, Event{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Type:      TypeTruncated,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"dropped": dropped, "kept": keep},
		})
	}
	s.bySess[sessionID] = evts
	return evt
}

func (s *Store) List(sessionID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.bySess[sessionID]
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// Sessions lists the sessions with at least one event.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bySess))
	for id := range s.bySess {
		out = append(out, id)
	}
	return out
}
