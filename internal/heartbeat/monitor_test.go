package heartbeat

import (
	"testing"
	"time"

	"cardiosim/voice/internal/clock"
)

func newMonitor(clk *clock.Fake) (*Monitor, *int, *int) {
	pings, timeouts := 0, 0
	m := New(clk, 30*time.Second, 5*time.Second,
		func() error { pings++; return nil },
		func() { timeouts++ })
	return m, &pings, &timeouts
}

func TestTimeoutWithoutPong(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m, pings, timeouts := newMonitor(clk)
	m.Start()

	clk.Advance(30 * time.Second)
	if *pings != 1 {
		t.Fatalf("expected a ping at 30s, got %d", *pings)
	}
	clk.Advance(4999 * time.Millisecond)
	if *timeouts != 0 {
		t.Fatalf("timed out too early")
	}
	clk.Advance(time.Millisecond)
	if *timeouts != 1 {
		t.Fatalf("expected timeout at 35s, got %d", *timeouts)
	}
	if m.Running() {
		t.Fatalf("monitor should stop itself after firing")
	}
	clk.Advance(5 * time.Minute)
	if *timeouts != 1 {
		t.Fatalf("no further timeouts after stop, got %d", *timeouts)
	}
}

func TestPongKeepsAlive(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m, pings, timeouts := newMonitor(clk)
	m.Start()
	for i := 0; i < 5; i++ {
		clk.Advance(30 * time.Second)
		clk.Advance(100 * time.Millisecond)
		m.Pong()
	}
	clk.Advance(10 * time.Second)
	if *timeouts != 0 {
		t.Fatalf("unexpected timeout with steady pongs")
	}
	if *pings != 5 {
		t.Fatalf("expected 5 pings, got %d", *pings)
	}
}

func TestStopCancelsTimers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m, pings, timeouts := newMonitor(clk)
	m.Start()
	clk.Advance(30 * time.Second)
	m.Stop()
	clk.Advance(time.Hour)
	if *timeouts != 0 || *pings != 1 {
		t.Fatalf("stopped monitor must stay quiet: pings=%d timeouts=%d", *pings, *timeouts)
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected all timers cleared, %d pending", clk.Pending())
	}
}

func TestSilenceAfterPromptPongTimesOutFromLastPong(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m, _, timeouts := newMonitor(clk)
	m.Start()

	clk.Advance(30 * time.Second)
	clk.Advance(10 * time.Millisecond)
	m.Pong()

	// the pong at 30.01s moves the deadline to 65.01s
	clk.Advance(35*time.Second - time.Millisecond)
	if *timeouts != 0 {
		t.Fatalf("timed out before last pong + 35s")
	}
	clk.Advance(time.Millisecond)
	if *timeouts != 1 {
		t.Fatalf("expected timeout at 65.01s, got %d", *timeouts)
	}
	if got := m.LastPong(); !got.Equal(time.Unix(30, int64(10*time.Millisecond))) {
		t.Fatalf("unexpected last pong %v", got)
	}
}
