package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"cardiosim/voice/internal/protocol"
	"cardiosim/voice/internal/types"
)

// fakeGateway answers join with joined and ping with pong.
func fakeGateway(t *testing.T, joins chan<- map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			switch m["type"] {
			case "join":
				joins <- m
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"joined","insecureMode":true}`))
			case "ping":
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
			case "start_speaking":
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"patient_state","state":"listening"}`))
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSDialerAgainstGateway(t *testing.T) {
	joins := make(chan map[string]any, 1)
	srv := fakeGateway(t, joins)
	defer srv.Close()

	c := New(Options{URL: wsURL(srv), Dialer: WSDialer{}})
	defer c.Close()

	joined := make(chan protocol.Joined, 1)
	states := make(chan protocol.PatientState, 1)
	c.Router().OnJoined(func(j protocol.Joined) { joined <- j })
	c.Router().OnPatientState(func(s protocol.PatientState) { states <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, seat); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case m := <-joins:
		if m["sessionId"] != "case-42" || m["authToken"] != "tok-1" {
			t.Fatalf("unexpected join %v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("gateway never saw join")
	}
	select {
	case j := <-joined:
		if !j.InsecureMode {
			t.Fatalf("insecure flag lost")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("joined not dispatched")
	}

	if err := c.StartSpeaking("patient"); err != nil {
		t.Fatalf("start speaking: %v", err)
	}
	select {
	case s := <-states:
		if s.State != protocol.PatientListening {
			t.Fatalf("unexpected state %q", s.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("patient_state not dispatched")
	}

	c.Disconnect()
	if st := c.Status(); st.State != types.StateDisconnected {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestWSDialerReportsServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Close(websocket.StatusGoingAway, "restarting")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := WSDialer{}.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close("")
	if _, err := conn.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWSDialerRejectsEmptyURL(t *testing.T) {
	if _, err := (WSDialer{}).Dial(context.Background(), ""); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
