// Package reconnect computes backoff delays and bounds retry attempts after
// an unexpected gateway disconnect.
package reconnect

import (
	"sync"
	"time"

	"cardiosim/voice/internal/clock"
)

// DefaultBackoff is the delay table; the last entry repeats.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// DefaultMaxAttempts caps consecutive reconnect attempts.
const DefaultMaxAttempts = 10

type Scheduler struct {
	clock   clock.Clock
	backoff []time.Duration
	max     int

	mu       sync.Mutex
	attempts int
	timer    clock.Timer
}

func New(clk clock.Clock, backoff []time.Duration, maxAttempts int) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Scheduler{clock: clk, backoff: append([]time.Duration(nil), backoff...), max: maxAttempts}
}

// Delay returns the wait before the given 1-based attempt.
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.backoff) {
		return s.backoff[len(s.backoff)-1]
	}
	return s.backoff[attempt-1]
}

// Schedule arms the next attempt. It reports false once the attempt cap is
// exceeded, in which case nothing is armed and the caller must give up.
// A previously armed attempt is replaced.
func (s *Scheduler) Schedule(fn func()) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.attempts++
	if s.attempts > s.max {
		metricExhausted.Inc()
		return 0, false
	}
	d := s.Delay(s.attempts)
	s.timer = s.clock.AfterFunc(d, fn)
	metricScheduled.Inc()
	return d, true
}

// Cancel drops a pending attempt without touching the counter.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

// Reset cancels any pending attempt and zeroes the counter.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.stopLocked()
	s.attempts = 0
	s.mu.Unlock()
}

func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether an attempt is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
