package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cardiosim/voice/internal/audio"
	"cardiosim/voice/internal/events"
	"cardiosim/voice/internal/floor"
	"cardiosim/voice/internal/participant"
	"cardiosim/voice/internal/protocol"
	"cardiosim/voice/internal/store"
	"cardiosim/voice/internal/types"
)

type stubGateway struct {
	router *protocol.Router
	mu     sync.Mutex
	sent   []string
}

func (g *stubGateway) note(kind string) error {
	g.mu.Lock()
	g.sent = append(g.sent, kind)
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) Connect(context.Context, types.SessionIdentity) error { return nil }

func (g *stubGateway) Disconnect() {}

func (g *stubGateway) Router() *protocol.Router { return g.router }

func (g *stubGateway) Status() types.ConnectionStatus {
	return types.ConnectionStatus{State: types.StateReady}
}

func (g *stubGateway) OnStatus(func(types.ConnectionStatus)) protocol.Disposer { return func() {} }

func (g *stubGateway) OnReconnectScheduled(func(int, time.Duration)) protocol.Disposer {
	return func() {}
}

func (g *stubGateway) StartSpeaking(string) error { return g.note("start_speaking") }

func (g *stubGateway) StopSpeaking(string) error { return g.note("stop_speaking") }

func (g *stubGateway) SendDoctorAudio(_, _, _ string) error { return g.note("doctor_audio") }

func (g *stubGateway) AnalyzeTranscript([]protocol.TurnPayload) error { return g.note("analyze_transcript") }

func (g *stubGateway) SetScenario(string) error { return g.note("set_scenario") }

func newServer(t *testing.T, role types.Role, st store.CompareAndSetStore) (*httptest.Server, *stubGateway) {
	t.Helper()
	gw := &stubGateway{router: protocol.NewRouter()}
	journal := events.NewStore()
	id := types.SessionIdentity{SessionID: "case-5", UserID: string(role) + "-1", DisplayName: "Dr. Test", Role: role}
	sess := participant.New(participant.Config{Identity: id, Character: "patient"}, participant.Deps{
		Gateway: gw,
		Floor:   floor.New(st, "case-5", floor.Options{}),
		Codec:   audio.NewCodec(base64.StdEncoding, audio.NewMemorySink()),
		Journal: journal,
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(NewRouter(NewHandlers(sess, journal, nil)))
	t.Cleanup(func() {
		srv.Close()
		sess.Close(context.Background())
	})
	return srv, gw
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTalkFlow(t *testing.T) {
	srv, gw := newServer(t, types.RoleParticipant, store.NewMemory())

	if resp := post(t, srv.URL+"/talk/audio", "early"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("audio before press should conflict, got %d", resp.StatusCode)
	}
	resp := post(t, srv.URL+"/talk/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var d decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil || !d.Granted || d.Floor.FloorHolderID != "participant-1" {
		t.Fatalf("unexpected decision %+v err=%v", d, err)
	}
	if resp := post(t, srv.URL+"/talk/audio", "chunk"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/talk/stop", "last"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	want := []string{"start_speaking", "doctor_audio", "doctor_audio", "stop_speaking"}
	if strings.Join(gw.sent, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected frames %v", gw.sent)
	}
}

func TestFloorConflictIs409(t *testing.T) {
	st := store.NewMemory()
	a, _ := newServer(t, types.RoleParticipant, st)
	_, _ = floor.New(st, "case-5", floor.Options{}).TakeFloor(context.Background(), floor.Participant{ID: "someone-else"})

	resp := post(t, a.URL+"/floor/take", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var d decisionResponse
	_ = json.NewDecoder(resp.Body).Decode(&d)
	if d.Reason != floor.ReasonHeld {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
	if resp := post(t, a.URL+"/floor/take?force=true", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("forced take should succeed, got %d", resp.StatusCode)
	}
}

func TestLockIsPresenterOnly(t *testing.T) {
	st := store.NewMemory()
	resident, _ := newServer(t, types.RoleParticipant, st)
	presenter, _ := newServer(t, types.RolePresenter, st)

	if resp := post(t, resident.URL+"/floor/lock", ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if resp := post(t, presenter.URL+"/floor/lock", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp := post(t, resident.URL+"/talk/start", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("locked floor should reject, got %d", resp.StatusCode)
	}
}

func TestStatusAndEvents(t *testing.T) {
	srv, gw := newServer(t, types.RoleParticipant, store.NewMemory())
	gw.router.Dispatch([]byte(`{"type":"error","message":"scenario_missing"}`))

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil || st.Connection.State != types.StateReady || st.SessionID != "case-5" {
		t.Fatalf("unexpected status %+v err=%v", st, err)
	}

	resp2, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp2.Body.Close()
	var evts []events.Event
	_ = json.NewDecoder(resp2.Body).Decode(&evts)
	if len(evts) != 1 || evts[0].Type != events.TypeServerError {
		t.Fatalf("unexpected events %+v", evts)
	}

	resp3, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp3.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newServer(t, types.RoleParticipant, store.NewMemory())
	resp, err := http.Get(srv.URL + "/talk/start")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
