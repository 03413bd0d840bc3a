// Package transcript stitches streamed patient text into discrete turns,
// one open turn per speaking character.
package transcript

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/protocol"
)

// DefaultCharacter is used when the backend omits the character tag.
const DefaultCharacter = "patient"

// DoctorCharacter tags turns recorded from doctor_utterance frames.
const DoctorCharacter = "doctor"

type Turn struct {
	ID         string `json:"id"`
	Character  string `json:"character"`
	Text       string `json:"text"`
	IsComplete bool   `json:"isComplete"`
	UserID     string `json:"userId,omitempty"`
}

type openTurn struct {
	idx  int
	text strings.Builder
}

// Aggregator is safe for concurrent use; completed-turn callbacks run after
// its lock is released.
type Aggregator struct {
	mu    sync.Mutex
	turns []Turn
	open  map[string]*openTurn

	subMu   sync.Mutex
	nextSub uint64
	subs    map[uint64]func(Turn)
}

func New() *Aggregator {
	return &Aggregator{open: make(map[string]*openTurn), subs: make(map[uint64]func(Turn))}
}

func character(c string) string {
	if c == "" {
		return DefaultCharacter
	}
	return c
}

// OnPatientState opens a turn on speaking and seals it on any other state.
// A non-speaking state without a character seals every open turn.
func (a *Aggregator) OnPatientState(s protocol.PatientState) {
	if s.State == protocol.PatientSpeaking {
		a.mu.Lock()
		a.openLocked(character(s.Character))
		a.mu.Unlock()
		return
	}
	a.mu.Lock()
	var sealed []Turn
	if s.Character == "" {
		for c := range a.open {
			sealed = append(sealed, a.sealLocked(c))
		}
	} else if _, ok := a.open[s.Character]; ok {
		sealed = append(sealed, a.sealLocked(s.Character))
	}
	a.mu.Unlock()
	for _, t := range sealed {
		a.emit(t)
	}
}

// AppendDelta appends text to the character's open turn, opening one if the
// delta arrived before the speaking signal.
func (a *Aggregator) AppendDelta(d protocol.TranscriptDelta) {
	c := character(d.Character)
	a.mu.Lock()
	defer a.mu.Unlock()
	ot := a.open[c]
	if ot == nil {
		ot = a.openLocked(c)
	}
	ot.text.WriteString(d.Text)
	a.turns[ot.idx].Text = ot.text.String()
}

// AddUtterance records what a doctor said as an already completed turn.
func (a *Aggregator) AddUtterance(u protocol.DoctorUtterance) {
	t := Turn{ID: uuid.NewString(), Character: DoctorCharacter, Text: u.Text, IsComplete: true, UserID: u.UserID}
	a.mu.Lock()
	a.turns = append(a.turns, t)
	a.mu.Unlock()
	a.emit(t)
}

func (a *Aggregator) openLocked(c string) *openTurn {
	if ot, ok := a.open[c]; ok {
		return ot
	}
	a.turns = append(a.turns, Turn{ID: uuid.NewString(), Character: c})
	ot := &openTurn{idx: len(a.turns) - 1}
	a.open[c] = ot
	return ot
}

func (a *Aggregator) sealLocked(c string) Turn {
	ot := a.open[c]
	delete(a.open, c)
	a.turns[ot.idx].IsComplete = true
	return a.turns[ot.idx]
}

// OnCompleted subscribes to sealed turns, including empty ones.
func (a *Aggregator) OnCompleted(fn func(Turn)) protocol.Disposer {
	a.subMu.Lock()
	a.nextSub++
	id := a.nextSub
	a.subs[id] = fn
	a.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
		})
	}
}

func (a *Aggregator) emit(t Turn) {
	log.Debug().Str("module", "transcript").Str("character", t.Character).Int("chars", len(t.Text)).Msg("turn completed")
	a.subMu.Lock()
	subs := make([]func(Turn), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.subMu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}

// Turns returns a copy of every turn in arrival order.
func (a *Aggregator) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Turn(nil), a.turns...)
}

// Open returns the character's open turn, if any.
func (a *Aggregator) Open(c string) (Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ot, ok := a.open[character(c)]
	if !ok {
		return Turn{}, false
	}
	return a.turns[ot.idx], true
}

// Reset drops all turns, e.g. when the scenario changes.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.turns = nil
	a.open = make(map[string]*openTurn)
	a.mu.Unlock()
}

// Attach feeds the aggregator from r and returns a disposer for all of it.
func (a *Aggregator) Attach(r *protocol.Router) protocol.Disposer {
	ds := []protocol.Disposer{
		r.OnPatientState(a.OnPatientState),
		r.OnTranscriptDelta(a.AppendDelta),
		r.OnDoctorUtterance(a.AddUtterance),
		r.OnScenarioChanged(func(protocol.ScenarioChanged) { a.Reset() }),
	}
	return func() {
		for _, d := range ds {
			d()
		}
	}
}

// Payload converts turns into the analyze_transcript wire shape.
func Payload(turns []Turn) []protocol.TurnPayload {
	out := make([]protocol.TurnPayload, 0, len(turns))
	for _, t := range turns {
		out = append(out, protocol.TurnPayload{ID: t.ID, Character: t.Character, Text: t.Text, IsComplete: t.IsComplete})
	}
	return out
}
