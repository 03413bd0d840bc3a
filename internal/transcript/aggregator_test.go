package transcript

import (
	"testing"

	"cardiosim/voice/internal/protocol"
)

func speaking(c string) protocol.PatientState {
	return protocol.PatientState{State: protocol.PatientSpeaking, Character: c}
}

func TestDeltasSealIntoOneTurn(t *testing.T) {
	a := New()
	var done []Turn
	a.OnCompleted(func(t Turn) { done = append(done, t) })

	a.OnPatientState(speaking(""))
	a.AppendDelta(protocol.TranscriptDelta{Text: "Hel"})
	a.AppendDelta(protocol.TranscriptDelta{Text: "lo"})
	a.OnPatientState(protocol.PatientState{State: protocol.PatientIdle})

	if len(done) != 1 || done[0].Text != "Hello" || !done[0].IsComplete || done[0].Character != DefaultCharacter {
		t.Fatalf("expected one sealed turn \"Hello\", got %+v", done)
	}

	a.OnPatientState(speaking(""))
	open, ok := a.Open("")
	if !ok || open.ID == done[0].ID || open.Text != "" || open.IsComplete {
		t.Fatalf("second speaking must open a new turn, got %+v", open)
	}
	if n := len(a.Turns()); n != 2 {
		t.Fatalf("expected 2 turns, got %d", n)
	}
}

func TestDuplicateSpeakingIsIdempotent(t *testing.T) {
	a := New()
	a.OnPatientState(speaking("mother"))
	first, _ := a.Open("mother")
	a.OnPatientState(speaking("mother"))
	second, _ := a.Open("mother")
	if first.ID != second.ID || len(a.Turns()) != 1 {
		t.Fatalf("duplicate speaking opened another turn")
	}
}

func TestEmptyTurnStillSeals(t *testing.T) {
	a := New()
	var done []Turn
	a.OnCompleted(func(t Turn) { done = append(done, t) })
	a.OnPatientState(speaking(""))
	a.OnPatientState(protocol.PatientState{State: protocol.PatientError})
	if len(done) != 1 || done[0].Text != "" {
		t.Fatalf("expected an empty seal event, got %+v", done)
	}
}

func TestCharactersAreIndependent(t *testing.T) {
	a := New()
	var done []Turn
	a.OnCompleted(func(t Turn) { done = append(done, t) })

	a.OnPatientState(speaking("patient"))
	a.OnPatientState(speaking("mother"))
	a.AppendDelta(protocol.TranscriptDelta{Text: "my chest", Character: "patient"})
	a.AppendDelta(protocol.TranscriptDelta{Text: "he is tired", Character: "mother"})
	a.OnPatientState(protocol.PatientState{State: protocol.PatientListening, Character: "mother"})

	if len(done) != 1 || done[0].Character != "mother" || done[0].Text != "he is tired" {
		t.Fatalf("only the mother's turn should seal, got %+v", done)
	}
	if p, ok := a.Open("patient"); !ok || p.Text != "my chest" {
		t.Fatalf("patient turn should stay open, got %+v", p)
	}

	a.OnPatientState(protocol.PatientState{State: protocol.PatientIdle})
	if len(done) != 2 || done[1].Character != "patient" {
		t.Fatalf("untagged idle should seal remaining turns, got %+v", done)
	}
}

func TestDeltaWithoutSpeakingOpensTurn(t *testing.T) {
	a := New()
	a.AppendDelta(protocol.TranscriptDelta{Text: "Hi"})
	if o, ok := a.Open(""); !ok || o.Text != "Hi" {
		t.Fatalf("expected an open turn, got %+v", o)
	}
}

func TestRouterFeedsAggregator(t *testing.T) {
	r := protocol.NewRouter()
	a := New()
	dispose := a.Attach(r)

	r.Dispatch([]byte(`{"type":"doctor_utterance","userId":"u1","text":"Any chest pain?"}`))
	r.Dispatch([]byte(`{"type":"patient_state","state":"speaking"}`))
	r.Dispatch([]byte(`{"type":"patient_transcript_delta","text":"Yes"}`))
	r.Dispatch([]byte(`{"type":"patient_state","state":"idle"}`))

	turns := a.Turns()
	if len(turns) != 2 || turns[0].Character != DoctorCharacter || turns[1].Text != "Yes" {
		t.Fatalf("unexpected turns %+v", turns)
	}
	wire := Payload(turns)
	if len(wire) != 2 || !wire[0].IsComplete || wire[1].ID != turns[1].ID {
		t.Fatalf("unexpected payload %+v", wire)
	}

	r.Dispatch([]byte(`{"type":"scenario_changed","scenarioId":"svt"}`))
	if len(a.Turns()) != 0 {
		t.Fatalf("scenario change should reset the transcript")
	}

	dispose()
	r.Dispatch([]byte(`{"type":"patient_transcript_delta","text":"ignored"}`))
	if len(a.Turns()) != 0 {
		t.Fatalf("disposed aggregator still fed")
	}
}
