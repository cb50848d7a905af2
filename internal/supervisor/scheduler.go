package supervisor

import (
	"sync"
	"time"
)

// Scheduler arms one-shot timers for reconnect scheduling. It exists so the
// supervisor's timing can be driven manually in tests and is independent of
// any run loop.
type Scheduler interface {
	// AfterFunc invokes fn once after d elapses. The returned cancel
	// function disarms the timer; it reports whether the timer was still
	// pending.
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
}

// timerScheduler is the production Scheduler backed by time.AfterFunc.
type timerScheduler struct{}

// NewTimerScheduler returns the wall-clock Scheduler.
func NewTimerScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// ManualScheduler is a test Scheduler whose timers fire only when told to.
type ManualScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

// NewManualScheduler creates a ManualScheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc records the delay and holds fn until Fire is called.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	idx := len(s.pending)
	s.pending = append(s.pending, fn)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pending[idx] == nil {
			return false
		}
		s.pending[idx] = nil
		return true
	}
}

// Fire runs all pending timer callbacks in arming order. Callbacks run
// outside the scheduler lock so they may arm new timers.
func (s *ManualScheduler) Fire() {
	s.mu.Lock()
	pending := make([]func(), len(s.pending))
	copy(pending, s.pending)
	for i := range s.pending {
		s.pending[i] = nil
	}
	s.mu.Unlock()

	for _, fn := range pending {
		if fn != nil {
			fn()
		}
	}
}

// Delays returns every delay ever armed, in order.
func (s *ManualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// PendingCount returns the number of armed, unfired, uncancelled timers.
func (s *ManualScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, fn := range s.pending {
		if fn != nil {
			n++
		}
	}
	return n
}
