// Package clock abstracts timers so heartbeat, reconnect and floor watchdog
// logic can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock is the time source used by the voice client.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct {
	c clockwork.Clock
}

// Real returns a Clock backed by the system time.
func Real() Clock { return realClock{c: clockwork.NewRealClock()} }

func (r realClock) Now() time.Time { return r.c.Now() }

func (r realClock) AfterFunc(d time.Duration, f func()) Timer { return r.c.AfterFunc(d, f) }

// Fake is a manually advanced Clock on top of a clockwork fake clock.
// clockwork expires the timers; the callbacks themselves run synchronously
// on the goroutine calling Advance, in deadline order, so a test can assert
// on their effects as soon as Advance returns.
type Fake struct {
	cw *clockwork.FakeClock

	mu     sync.Mutex
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	f     *Fake
	id    uint64
	when  time.Time
	fn    func()
	inner clockwork.Timer
	due   chan struct{}
	done  bool
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{cw: clockwork.NewFakeClockAt(start)}
}

func (f *Fake) Now() time.Time { return f.cw.Now() }

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{f: f, id: f.seq, when: f.cw.Now().Add(d), fn: fn, due: make(chan struct{})}
	t.inner = f.cw.AfterFunc(d, func() { close(t.due) })
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due.
// Timers armed by callbacks fire too if they fall inside the window.
func (f *Fake) Advance(d time.Duration) {
	target := f.cw.Now().Add(d)
	for {
		f.mu.Lock()
		t := f.nextDue(target)
		if t == nil {
			f.mu.Unlock()
			break
		}
		if step := t.when.Sub(f.cw.Now()); step > 0 {
			f.cw.Advance(step)
		}
		t.done = true
		f.remove(t)
		f.mu.Unlock()

		// clockwork runs expired callbacks on their own goroutine
		<-t.due
		t.fn()
	}
	if rest := target.Sub(f.cw.Now()); rest > 0 {
		f.cw.Advance(rest)
	}
}

// Pending reports how many timers are armed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *Fake) nextDue(target time.Time) *fakeTimer {
	if len(f.timers) == 0 {
		return nil
	}
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].when.Equal(f.timers[j].when) {
			return f.timers[i].id < f.timers[j].id
		}
		return f.timers[i].when.Before(f.timers[j].when)
	})
	if f.timers[0].when.After(target) {
		return nil
	}
	return f.timers[0]
}

func (f *Fake) remove(t *fakeTimer) bool {
	for i, x := range f.timers {
		if x == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.inner.Stop()
	return t.f.remove(t)
}
