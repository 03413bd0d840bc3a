// Package heartbeat proves liveness of an open gateway connection with an
// application-level ping/pong and detects silent failures such as NAT
// timeouts that never surface as a socket close.
package heartbeat

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/clock"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Monitor sends a ping every interval and calls onTimeout when no pong has
// been observed for interval+timeout.
type Monitor struct {
	clock     clock.Clock
	interval  time.Duration
	timeout   time.Duration
	ping      func() error
	onTimeout func()

	mu       sync.Mutex
	gen      uint64
	running  bool
	lastPong time.Time
	tick     clock.Timer
	deadline clock.Timer
}

func New(clk clock.Clock, interval, timeout time.Duration, ping func() error, onTimeout func()) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{clock: clk, interval: interval, timeout: timeout, ping: ping, onTimeout: onTimeout}
}

// Start (re)arms the monitor; the open itself counts as the last pong.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.running = true
	m.lastPong = m.clock.Now()
	gen := m.gen
	m.tick = m.clock.AfterFunc(m.interval, func() { m.onTick(gen) })
	m.armDeadlineLocked()
}

// Stop clears every timer. Callbacks already in flight become no-ops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
}

// Pong records a pong frame and pushes the deadline out to
// now+interval+timeout.
func (m *Monitor) Pong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.lastPong = m.clock.Now()
	m.armDeadlineLocked()
	metricPongs.Inc()
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastPong returns when liveness was last proven.
func (m *Monitor) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

func (m *Monitor) stopLocked() {
	m.gen++
	m.running = false
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}

// armDeadlineLocked replaces the expiry timer with one due exactly
// interval+timeout after the last pong, independent of the ping cadence.
func (m *Monitor) armDeadlineLocked() {
	if m.deadline != nil {
		m.deadline.Stop()
	}
	gen := m.gen
	wait := m.lastPong.Add(m.interval + m.timeout).Sub(m.clock.Now())
	m.deadline = m.clock.AfterFunc(wait, func() { m.onDeadline(gen) })
}

func (m *Monitor) onTick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running {
		m.mu.Unlock()
		return
	}
	m.tick = m.clock.AfterFunc(m.interval, func() { m.onTick(gen) })
	m.mu.Unlock()

	if m.ping != nil {
		if err := m.ping(); err != nil {
			log.Debug().Err(err).Str("module", "heartbeat").Msg("ping not sent")
		}
	}
}

func (m *Monitor) onDeadline(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.running {
		m.mu.Unlock()
		return
	}
	// a pong that raced this callback has already re-armed the deadline
	if !m.expiredLocked() {
		m.mu.Unlock()
		return
	}
	m.deadline = nil
	m.mu.Unlock()
	m.fire(gen)
}

func (m *Monitor) expiredLocked() bool {
	return m.clock.Now().Sub(m.lastPong) >= m.interval+m.timeout
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopLocked()
	since := m.clock.Now().Sub(m.lastPong)
	m.mu.Unlock()

	metricTimeouts.Inc()
	log.Warn().Str("module", "heartbeat").Dur("since_pong", since).Msg("pong overdue, forcing close")
	if m.onTimeout != nil {
		m.onTimeout()
	}
}
