package events

import "testing"

func TestAppendAndList(t *testing.T) {
	s := NewStore()
	e := s.Append("case-1", TypeConnection, map[string]any{"state": "ready"})
	if e.ID == "" || e.SessionID != "case-1" {
		t.Fatalf("unexpected event %+v", e)
	}
	got := s.List("case-1")
	if len(got) != 1 || got[0].Type != TypeConnection {
		t.Fatalf("unexpected list %+v", got)
	}
	got[0].Type = "mutated"
	if s.List("case-1")[0].Type != TypeConnection {
		t.Fatalf("List must return a copy")
	}
	if len(s.List("other")) != 0 {
		t.Fatalf("sessions must not share journals")
	}
}

func TestJournalIsCapped(t *testing.T) {
	s := NewStoreWithLimit(10)
	for i := 0; i < 25; i++ {
		s.Append("case-1", TypeFloor, map[string]any{"i": i})
	}
	got := s.List("case-1")
	if len(got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(got))
	}
	last := got[len(got)-1]
	if last.Type != TypeTruncated {
		t.Fatalf("expected truncation marker last, got %q", last.Type)
	}
	if got[len(got)-2].Payload["i"] != 24 {
		t.Fatalf("newest event should be kept, got %+v", got[len(got)-2])
	}
}
