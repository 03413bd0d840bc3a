// Package floor arbitrates speaking rights for a session. The floor record
// lives in a shared store so it survives socket reconnects, and every change
// is a compare-and-set transaction so racing clients cannot both win.
package floor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/clock"
	"cardiosim/voice/internal/store"
)

type Mode string

const (
	ModeIdle             Mode = "idle"
	ModeResidentSpeaking Mode = "resident-speaking"
	ModeAISpeaking       Mode = "ai-speaking"
)

// Rejection reasons carried by Decision.
const (
	ReasonHeld       = "held"
	ReasonLocked     = "locked"
	ReasonAISpeaking = "ai_speaking"
	ReasonDisabled   = "disabled"
	ReasonNotHolder  = "not_holder"
	ReasonOpen       = "open"
	ReasonActive     = "active"
)

const (
	DefaultInactivity   = 60 * time.Second
	DefaultPollInterval = 5 * time.Second
	DefaultReleaseGrace = 2 * time.Second
)

// Record is the floor document. An empty FloorHolderID means the floor is open.
type Record struct {
	FloorHolderID   string `json:"floorHolderId,omitempty"`
	FloorHolderName string `json:"floorHolderName,omitempty"`
	Since           int64  `json:"since,omitempty"` // unix ms
	Mode            Mode   `json:"mode"`
	Enabled         bool   `json:"enabled"`
	Locked          bool   `json:"locked"`
}

func (r Record) Held() bool { return r.FloorHolderID != "" }

// SinceTime converts Since to a time.Time; zero when the floor is open.
func (r Record) SinceTime() time.Time {
	if r.Since == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.Since)
}

func defaultRecord() Record {
	return Record{Mode: ModeIdle, Enabled: true}
}

// Decision is the outcome of a floor operation. A rejected claim is a normal
// outcome, not an error.
type Decision struct {
	Granted bool
	Reason  string
	Record  Record
}

type Participant struct {
	ID   string
	Name string
}

// Key is the store key of a session's floor record.
func Key(sessionID string) string { return "sessions/" + sessionID + "/voice" }

type rejected struct {
	reason string
	rec    Record
}

func (r *rejected) Error() string { return "floor: rejected (" + r.reason + ")" }

// Options tunes an Arbiter. Zero values fall back to the defaults above.
type Options struct {
	Clock        clock.Clock
	Inactivity   time.Duration
	PollInterval time.Duration
}

// Arbiter runs floor operations for one session on behalf of one client.
// Several Arbiters (one per client) share the same store.
type Arbiter struct {
	store      store.CompareAndSetStore
	sessionID  string
	key        string
	clock      clock.Clock
	inactivity time.Duration
	poll       time.Duration

	mu       sync.Mutex
	last     Record
	seen     bool
	watchGen uint64
	watching bool
	watch    clock.Timer

	subMu   sync.Mutex
	nextSub uint64
	subs    map[uint64]func(Record)
}

// New builds an Arbiter for sessionID on top of st. The watchdog is not
// started; call StartWatchdog.
func New(st store.CompareAndSetStore, sessionID string, opts Options) *Arbiter {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = DefaultInactivity
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Arbiter{
		store:      st,
		sessionID:  sessionID,
		key:        Key(sessionID),
		clock:      opts.Clock,
		inactivity: opts.Inactivity,
		poll:       opts.PollInterval,
		subs:       make(map[uint64]func(Record)),
	}
}

func (a *Arbiter) SessionID() string { return a.sessionID }

// TakeFloor claims the floor for p. It is granted only when the floor is
// open (or already held by p), unlocked, enabled and the patient is not
// speaking.
func (a *Arbiter) TakeFloor(ctx context.Context, p Participant) (Decision, error) {
	now := a.clock.Now().UnixMilli()
	return a.mutate(ctx, "take", func(rec *Record) string {
		if reason := claimable(*rec); reason != "" {
			return reason
		}
		if rec.Held() && rec.FloorHolderID != p.ID {
			return ReasonHeld
		}
		grant(rec, p, now)
		return ""
	})
}

// ForceTakeFloor claims the floor even when another participant holds it.
// Locked, disabled and ai-speaking still reject.
func (a *Arbiter) ForceTakeFloor(ctx context.Context, p Participant) (Decision, error) {
	now := a.clock.Now().UnixMilli()
	var prev string
	d, err := a.mutate(ctx, "force_take", func(rec *Record) string {
		if reason := claimable(*rec); reason != "" {
			return reason
		}
		prev = rec.FloorHolderID
		grant(rec, p, now)
		return ""
	})
	if err == nil && d.Granted && prev != "" && prev != p.ID {
		log.Warn().Str("module", "floor").Str("session", a.sessionID).Str("previous", prev).Str("holder", p.ID).Msg("floor taken over")
	}
	return d, err
}

// ReleaseFloor gives the floor back. Only the current holder may release.
func (a *Arbiter) ReleaseFloor(ctx context.Context, participantID string) (Decision, error) {
	return a.mutate(ctx, "release", func(rec *Record) string {
		if !rec.Held() {
			return ReasonOpen
		}
		if rec.FloorHolderID != participantID {
			return ReasonNotHolder
		}
		clearHolder(rec)
		return ""
	})
}

// RenewFloor marks the holder as still active by moving since to now, which
// restarts the inactivity window. Anyone but the current holder is rejected.
func (a *Arbiter) RenewFloor(ctx context.Context, participantID string) (Decision, error) {
	now := a.clock.Now().UnixMilli()
	return a.mutate(ctx, "renew", func(rec *Record) string {
		if !rec.Held() {
			return ReasonOpen
		}
		if rec.FloorHolderID != participantID {
			return ReasonNotHolder
		}
		rec.Since = now
		return ""
	})
}

// CheckInactivity is one watchdog step: it releases a floor held for longer
// than the inactivity window. The release is conditional on the holder and
// since observed by the read, so a fresh claim made in between survives.
func (a *Arbiter) CheckInactivity(ctx context.Context) (Decision, error) {
	rec, err := a.Snapshot(ctx)
	if err != nil {
		return Decision{}, err
	}
	if !rec.Held() {
		return Decision{Reason: ReasonOpen, Record: rec}, nil
	}
	now := a.clock.Now().UnixMilli()
	if !a.stale(rec, now) {
		return Decision{Reason: ReasonActive, Record: rec}, nil
	}
	holder, since := rec.FloorHolderID, rec.Since
	d, err := a.mutate(ctx, "auto_release", func(cur *Record) string {
		if cur.FloorHolderID != holder || cur.Since != since {
			return ReasonActive
		}
		clearHolder(cur)
		return ""
	})
	if err == nil && d.Granted {
		log.Info().Str("module", "floor").Str("session", a.sessionID).Str("holder", holder).
			Dur("held", time.Duration(now-since)*time.Millisecond).Msg("floor auto-released after inactivity")
	}
	return d, err
}

func (a *Arbiter) stale(rec Record, nowMs int64) bool {
	return nowMs-rec.Since > a.inactivity.Milliseconds()
}

func (a *Arbiter) SetLocked(ctx context.Context, locked bool) (Decision, error) {
	return a.mutate(ctx, "lock", func(rec *Record) string {
		rec.Locked = locked
		return ""
	})
}

// SetEnabled toggles voice for the session. Disabling also clears any holder.
func (a *Arbiter) SetEnabled(ctx context.Context, enabled bool) (Decision, error) {
	return a.mutate(ctx, "enable", func(rec *Record) string {
		rec.Enabled = enabled
		if !enabled {
			clearHolder(rec)
			rec.Mode = ModeIdle
		}
		return ""
	})
}

// BeginAISpeaking marks the shared channel as used by the patient reply.
// The holder is kept so the resident can continue once the reply ends.
func (a *Arbiter) BeginAISpeaking(ctx context.Context) (Decision, error) {
	return a.mutate(ctx, "ai_begin", func(rec *Record) string {
		rec.Mode = ModeAISpeaking
		return ""
	})
}

func (a *Arbiter) EndAISpeaking(ctx context.Context) (Decision, error) {
	return a.mutate(ctx, "ai_end", func(rec *Record) string {
		if rec.Mode != ModeAISpeaking {
			return ""
		}
		if rec.Held() {
			rec.Mode = ModeResidentSpeaking
		} else {
			rec.Mode = ModeIdle
		}
		return ""
	})
}

// Snapshot reads the current record. A missing record reads as open and enabled.
func (a *Arbiter) Snapshot(ctx context.Context) (Record, error) {
	b, ok, err := a.store.Get(ctx, a.key)
	if err != nil {
		return Record{}, fmt.Errorf("floor snapshot: %w", err)
	}
	rec := defaultRecord()
	if ok {
		if rec, err = decode(b); err != nil {
			return Record{}, err
		}
	}
	a.observe(rec)
	return rec, nil
}

// OnChange subscribes to record changes seen by this arbiter, whether made
// locally or noticed by the watchdog poll.
func (a *Arbiter) OnChange(fn func(Record)) func() {
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

// StartWatchdog polls the record every poll interval, enforcing the
// inactivity release and surfacing remote changes through OnChange.
func (a *Arbiter) StartWatchdog() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watching {
		return
	}
	a.watching = true
	a.watchGen++
	gen := a.watchGen
	a.watch = a.clock.AfterFunc(a.poll, func() { a.watchTick(gen) })
}

func (a *Arbiter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watching = false
	a.watchGen++
	if a.watch != nil {
		a.watch.Stop()
		a.watch = nil
	}
}

func (a *Arbiter) watchTick(gen uint64) {
	a.mu.Lock()
	if !a.watching || gen != a.watchGen {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.poll)
	if _, err := a.CheckInactivity(ctx); err != nil {
		metricWatchdogErrors.Inc()
		log.Warn().Err(err).Str("module", "floor").Str("session", a.sessionID).Msg("watchdog check failed")
	}
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.watching || gen != a.watchGen {
		return
	}
	a.watch = a.clock.AfterFunc(a.poll, func() { a.watchTick(gen) })
}

func (a *Arbiter) mutate(ctx context.Context, op string, fn func(rec *Record) string) (Decision, error) {
	var out Record
	err := a.store.Transact(ctx, a.key, func(cur []byte) ([]byte, error) {
		rec := defaultRecord()
		if cur != nil {
			var err error
			if rec, err = decode(cur); err != nil {
				return nil, err
			}
		}
		if reason := fn(&rec); reason != "" {
			return nil, &rejected{reason: reason, rec: rec}
		}
		out = rec
		return json.Marshal(rec)
	})
	var rej *rejected
	if errors.As(err, &rej) {
		metricDecisions.WithLabelValues(op, rej.reason).Inc()
		a.observe(rej.rec)
		return Decision{Reason: rej.reason, Record: rej.rec}, nil
	}
	if err != nil {
		metricDecisions.WithLabelValues(op, "error").Inc()
		return Decision{}, fmt.Errorf("floor %s: %w", op, err)
	}
	metricDecisions.WithLabelValues(op, "granted").Inc()
	a.observe(out)
	return Decision{Granted: true, Record: out}, nil
}

func (a *Arbiter) observe(rec Record) {
	a.mu.Lock()
	if a.seen && a.last == rec {
		a.mu.Unlock()
		return
	}
	a.seen = true
	a.last = rec
	a.mu.Unlock()

	a.subMu.Lock()
	subs := make([]func(Record), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.subMu.Unlock()
	for _, fn := range subs {
		fn(rec)
	}
}

func claimable(rec Record) string {
	switch {
	case !rec.Enabled:
		return ReasonDisabled
	case rec.Locked:
		return ReasonLocked
	case rec.Mode == ModeAISpeaking:
		return ReasonAISpeaking
	}
	return ""
}

func grant(rec *Record, p Participant, nowMs int64) {
	rec.FloorHolderID = p.ID
	rec.FloorHolderName = p.Name
	rec.Since = nowMs
	rec.Mode = ModeResidentSpeaking
}

// clearHolder opens the floor. An ai-speaking mode is left for EndAISpeaking.
func clearHolder(rec *Record) {
	rec.FloorHolderID = ""
	rec.FloorHolderName = ""
	rec.Since = 0
	if rec.Mode != ModeAISpeaking {
		rec.Mode = ModeIdle
	}
}

func decode(b []byte) (Record, error) {
	rec := defaultRecord()
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("floor record: %w", err)
	}
	if rec.Mode == "" {
		rec.Mode = ModeIdle
	}
	return rec, nil
}
