package floor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cardiosim/voice/internal/clock"
	"cardiosim/voice/internal/store"
)

var (
	ctx   = context.Background()
	alice = Participant{ID: "alice", Name: "Dr. Alice"}
	bob   = Participant{ID: "bob", Name: "Dr. Bob"}
)

func newArbiter(st store.CompareAndSetStore) (*Arbiter, *clock.Fake) {
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	return New(st, "case-7", Options{Clock: clk}), clk
}

func TestTakeOpenFloor(t *testing.T) {
	a, clk := newArbiter(store.NewMemory())
	d, err := a.TakeFloor(ctx, alice)
	if err != nil || !d.Granted {
		t.Fatalf("expected grant, got %+v err=%v", d, err)
	}
	r := d.Record
	if r.FloorHolderID != "alice" || r.FloorHolderName != "Dr. Alice" || r.Mode != ModeResidentSpeaking || r.Since != clk.Now().UnixMilli() {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestHeldFloorRejectsOthers(t *testing.T) {
	a, _ := newArbiter(store.NewMemory())
	_, _ = a.TakeFloor(ctx, alice)
	d, err := a.TakeFloor(ctx, bob)
	if err != nil {
		t.Fatalf("conflict must not be an error: %v", err)
	}
	if d.Granted || d.Reason != ReasonHeld || d.Record.FloorHolderID != "alice" {
		t.Fatalf("expected held rejection, got %+v", d)
	}
}

func TestHolderRetakeRenewsSince(t *testing.T) {
	a, clk := newArbiter(store.NewMemory())
	_, _ = a.TakeFloor(ctx, alice)
	clk.Advance(10 * time.Second)
	d, _ := a.TakeFloor(ctx, alice)
	if !d.Granted || d.Record.Since != clk.Now().UnixMilli() {
		t.Fatalf("expected renewed claim, got %+v", d)
	}
}

func TestTakeRejections(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(a *Arbiter)
		reason string
	}{
		{"locked", func(a *Arbiter) { _, _ = a.SetLocked(ctx, true) }, ReasonLocked},
		{"ai speaking", func(a *Arbiter) { _, _ = a.BeginAISpeaking(ctx) }, ReasonAISpeaking},
		{"disabled", func(a *Arbiter) { _, _ = a.SetEnabled(ctx, false) }, ReasonDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newArbiter(store.NewMemory())
			tc.setup(a)
			d, err := a.TakeFloor(ctx, alice)
			if err != nil || d.Granted || d.Reason != tc.reason {
				t.Fatalf("expected %s rejection, got %+v err=%v", tc.reason, d, err)
			}
			d, _ = a.ForceTakeFloor(ctx, alice)
			if d.Granted || d.Reason != tc.reason {
				t.Fatalf("force take must also respect %s, got %+v", tc.reason, d)
			}
		})
	}
}

func TestAISpeakingRejectsHolderToo(t *testing.T) {
	a, _ := newArbiter(store.NewMemory())
	_, _ = a.TakeFloor(ctx, alice)
	_, _ = a.BeginAISpeaking(ctx)
	d, _ := a.TakeFloor(ctx, alice)
	if d.Granted || d.Reason != ReasonAISpeaking {
		t.Fatalf("ai-speaking must reject everyone, got %+v", d)
	}
	d, _ = a.EndAISpeaking(ctx)
	if d.Record.Mode != ModeResidentSpeaking || d.Record.FloorHolderID != "alice" {
		t.Fatalf("expected resident-speaking after reply, got %+v", d.Record)
	}
}

func TestUnlockAllowsClaims(t *testing.T) {
	a, _ := newArbiter(store.NewMemory())
	_, _ = a.SetLocked(ctx, true)
	_, _ = a.SetLocked(ctx, false)
	if d, _ := a.TakeFloor(ctx, alice); !d.Granted {
		t.Fatalf("unlocked floor should be claimable, got %+v", d)
	}
}

func TestReleaseIsHolderOnly(t *testing.T) {
	a, _ := newArbiter(store.NewMemory())
	_, _ = a.TakeFloor(ctx, alice)
	if d, _ := a.ReleaseFloor(ctx, "bob"); d.Granted || d.Reason != ReasonNotHolder {
		t.Fatalf("non-holder release must be rejected, got %+v", d)
	}
	d, err := a.ReleaseFloor(ctx, "alice")
	if err != nil || !d.Granted {
		t.Fatalf("holder release failed: %+v err=%v", d, err)
	}
	if d.Record.Held() || d.Record.Since != 0 || d.Record.Mode != ModeIdle {
		t.Fatalf("release should open the floor, got %+v", d.Record)
	}
	if d, _ := a.TakeFloor(ctx, bob); !d.Granted {
		t.Fatalf("bob should get the released floor, got %+v", d)
	}
}

func TestForceTakeOverridesHolder(t *testing.T) {
	a, _ := newArbiter(store.NewMemory())
	_, _ = a.TakeFloor(ctx, alice)
	d, err := a.ForceTakeFloor(ctx, bob)
	if err != nil || !d.Granted || d.Record.FloorHolderID != "bob" {
		t.Fatalf("force take failed: %+v err=%v", d, err)
	}
}

func TestConcurrentClaimsGrantExactlyOne(t *testing.T) {
	st := store.NewMemory()
	const clients = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
	)
	start := make(chan struct{})
	for i := 0; i < clients; i++ {
		a, _ := newArbiter(st)
		p := Participant{ID: fmt.Sprintf("resident-%d", i)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := a.TakeFloor(ctx, p)
			if err != nil {
				t.Errorf("take: %v", err)
				return
			}
			if d.Granted {
				mu.Lock()
				granted = append(granted, p.ID)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(granted) != 1 {
		t.Fatalf("expected exactly one winner, got %v", granted)
	}
	rec, _ := New(st, "case-7", Options{}).Snapshot(ctx)
	if rec.FloorHolderID != granted[0] {
		t.Fatalf("record holder %q does not match winner %q", rec.FloorHolderID, granted[0])
	}
}

func TestInactivityRelease(t *testing.T) {
	a, clk := newArbiter(store.NewMemory())
	_, _ = a.TakeFloor(ctx, alice)

	clk.Advance(59 * time.Second)
	d, err := a.CheckInactivity(ctx)
	if err != nil || d.Granted || d.Reason != ReasonActive {
		t.Fatalf("59s hold must survive, got %+v err=%v", d, err)
	}

	clk.Advance(time.Second)
	if d, _ := a.CheckInactivity(ctx); d.Granted {
		t.Fatalf("exactly 60s is not past the window, got %+v", d)
	}

	clk.Advance(time.Millisecond)
	d, err = a.CheckInactivity(ctx)
	if err != nil || !d.Granted || d.Record.Held() {
		t.Fatalf("60.001s hold must be released, got %+v err=%v", d, err)
	}
}

// racingStore lets another client act between a read and the following
// transaction.
type racingStore struct {
	*store.Memory
	afterGet func()
}

func (r *racingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok, err := r.Memory.Get(ctx, key)
	if hook := r.afterGet; hook != nil {
		r.afterGet = nil
		hook()
	}
	return b, ok, err
}

func TestInactivityReleaseSparesFreshClaim(t *testing.T) {
	st := &racingStore{Memory: store.NewMemory()}
	a, clk := newArbiter(st)
	_, _ = a.TakeFloor(ctx, alice)
	clk.Advance(61 * time.Second)

	other := New(st.Memory, "case-7", Options{Clock: clk})
	st.afterGet = func() {
		_, _ = other.ReleaseFloor(ctx, "alice")
		_, _ = other.TakeFloor(ctx, bob)
	}

	d, err := a.CheckInactivity(ctx)
	if err != nil || d.Granted || d.Reason != ReasonActive {
		t.Fatalf("fresh claim must survive the watchdog, got %+v err=%v", d, err)
	}
	rec, _ := other.Snapshot(ctx)
	if rec.FloorHolderID != "bob" {
		t.Fatalf("expected bob to keep the floor, got %+v", rec)
	}
}

func TestWatchdogReleasesAndNotifies(t *testing.T) {
	st := store.NewMemory()
	a, clk := newArbiter(st)
	watcher := New(st, "case-7", Options{Clock: clk})

	var mu sync.Mutex
	var seen []Record
	watcher.OnChange(func(r Record) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})
	watcher.StartWatchdog()
	defer watcher.Stop()

	_, _ = a.TakeFloor(ctx, alice)
	clk.Advance(5 * time.Second)
	mu.Lock()
	if len(seen) != 1 || seen[0].FloorHolderID != "alice" {
		t.Fatalf("watchdog poll should surface the remote claim, got %+v", seen)
	}
	mu.Unlock()

	clk.Advance(60 * time.Second)
	rec, _ := a.Snapshot(ctx)
	if rec.Held() {
		t.Fatalf("watchdog should have released a stalled floor, got %+v", rec)
	}
	mu.Lock()
	defer mu.Unlock()
	if last := seen[len(seen)-1]; last.Held() {
		t.Fatalf("release not surfaced, last=%+v", last)
	}
}

func TestStoppedWatchdogIsQuiet(t *testing.T) {
	a, clk := newArbiter(store.NewMemory())
	_, _ = a.TakeFloor(ctx, alice)
	a.StartWatchdog()
	a.Stop()
	clk.Advance(5 * time.Minute)
	rec, _ := a.Snapshot(ctx)
	if !rec.Held() {
		t.Fatalf("stopped watchdog must not release")
	}
	if clk.Pending() != 0 {
		t.Fatalf("timers leaked: %d", clk.Pending())
	}
}

func TestMissingRecordReadsOpen(t *testing.T) {
	a, _ := newArbiter(store.NewMemory())
	rec, err := a.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if rec.Held() || !rec.Enabled || rec.Locked || rec.Mode != ModeIdle {
		t.Fatalf("unexpected default %+v", rec)
	}
}

func TestRenewKeepsHolderPastInactivity(t *testing.T) {
	a, clk := newArbiter(store.NewMemory())
	_, _ = a.TakeFloor(ctx, alice)

	clk.Advance(50 * time.Second)
	d, err := a.RenewFloor(ctx, "alice")
	if err != nil || !d.Granted || d.Record.Since != clk.Now().UnixMilli() {
		t.Fatalf("expected renewed since, got %+v err=%v", d, err)
	}
	clk.Advance(50 * time.Second)
	d, _ = a.CheckInactivity(ctx)
	if d.Granted || d.Reason != ReasonActive {
		t.Fatalf("renewed holder must survive 100s total, got %+v", d)
	}

	d, _ = a.RenewFloor(ctx, "bob")
	if d.Granted || d.Reason != ReasonNotHolder || d.Record.FloorHolderID != "alice" {
		t.Fatalf("only the holder may renew, got %+v", d)
	}
	_, _ = a.ReleaseFloor(ctx, "alice")
	d, _ = a.RenewFloor(ctx, "alice")
	if d.Granted || d.Reason != ReasonOpen {
		t.Fatalf("renew on an open floor must be rejected, got %+v", d)
	}
}
