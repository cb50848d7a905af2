// Package supervisor owns a single logical backend connection: connect,
// observe health, schedule reconnection with exponential backoff and jitter,
// and classify connection quality. It owns timing only; the transport owns
// mechanics.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/transport"
)

// Defaults per the reconnect policy.
const (
	DefaultBaseBackoff          = 1 * time.Second
	DefaultMaxBackoff           = 300 * time.Second
	DefaultMaxReconnectAttempts = 10

	// jitterFraction is the symmetric jitter applied to each delay.
	jitterFraction = 0.3

	// qualityWindow is the trailing window over which disconnection events
	// count toward quality classification.
	qualityWindow = 5 * time.Minute

	// historyCap bounds the retained connection event history.
	historyCap = 100

	// subscriberBuffer sizes per-subscriber event channels. Slow
	// subscribers drop events rather than block the supervisor.
	subscriberBuffer = 32
)

// Sentinel errors.
var (
	// ErrTransportUnavailable reports that no transport was configured.
	ErrTransportUnavailable = errors.New("supervisor: transport unavailable")
	// ErrReconnectExhausted reports that automatic reconnection gave up.
	ErrReconnectExhausted = errors.New("supervisor: reconnect attempts exhausted")
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Quality classifies recent connection stability.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// EventType identifies the kind of connection event.
type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventReconnecting   EventType = "reconnecting"
	EventQualityChanged EventType = "qualityChanged"
	EventError          EventType = "error"
)

// Event is an immutable audit record of one connection transition.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Quality   Quality   `json:"quality"`
	Details   string    `json:"details,omitempty"`
}

// Supervisor manages one transport connection's lifecycle.
type Supervisor struct {
	tr          transport.Transport
	sched       Scheduler
	base        time.Duration
	max         time.Duration
	maxAttempts int
	rng         *rand.Rand

	mu          sync.Mutex
	state       State
	attempt     int   // reconnect attempts since last success
	attemptSeq  int64 // bumped per connect attempt; stale-attempt guard
	exhausted   bool
	cancelled   bool // set by CancelReconnect until next Connect/disconnect
	cancelTimer func() bool
	disconnects []time.Time // trailing record for quality derivation
	lastQuality Quality
	events      []Event
	subs        []chan Event
}

// Opts holds parameters for creating a Supervisor.
type Opts struct {
	Transport   transport.Transport
	Scheduler   Scheduler     // defaults to the wall-clock scheduler
	BaseBackoff time.Duration // defaults to DefaultBaseBackoff
	MaxBackoff  time.Duration // defaults to DefaultMaxBackoff
	MaxAttempts int           // defaults to DefaultMaxReconnectAttempts
	Seed        int64         // jitter RNG seed; 0 seeds from the clock
}

// New creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.Transport == nil {
		return nil, ErrTransportUnavailable
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = NewTimerScheduler()
	}
	base := opts.BaseBackoff
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	max := opts.MaxBackoff
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Supervisor{
		tr:          opts.Transport,
		sched:       sched,
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
		rng:         rand.New(rand.NewSource(seed)),
		state:       StateDisconnected,
		lastQuality: QualityExcellent,
	}, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Exhausted reports whether automatic reconnection has given up.
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Attempt returns the current reconnect attempt counter.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Connect initiates a connection attempt. A manual call resets the attempt
// counter and clears the exhausted flag, so the retry cycle can resume after
// exhaustion. The transport dial runs outside the supervisor lock; a stale
// guard discards the outcome if a newer attempt or a cancel superseded it.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.attempt = 0
	s.exhausted = false
	s.cancelled = false
	s.disarmTimerLocked()
	s.state = StateConnecting
	s.attemptSeq++
	seq := s.attemptSeq
	s.mu.Unlock()

	return s.dial(ctx, seq)
}

// dial performs one transport connect and applies the outcome unless the
// attempt has been superseded.
func (s *Supervisor) dial(ctx context.Context, seq int64) error {
	err := s.tr.Connect(ctx)

	s.mu.Lock()
	if s.attemptSeq != seq {
		// A newer attempt or a cancel took over while we were dialing.
		s.mu.Unlock()
		return err
	}
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("supervisor: connect: %w", err)
	}
	s.state = StateConnected
	s.attempt = 0
	s.disconnects = nil
	s.appendEventLocked(EventConnected, "")
	s.mu.Unlock()
	return nil
}

// OnDisconnected records a disconnection and, unless reconnection was
// cancelled, schedules a reconnect attempt.
func (s *Supervisor) OnDisconnected(cause error) {
	details := ""
	if cause != nil {
		details = cause.Error()
	}

	s.mu.Lock()
	now := time.Now()
	s.state = StateDisconnected
	s.disconnects = append(s.disconnects, now)
	s.trimDisconnectsLocked(now)
	s.appendEventLocked(EventDisconnected, details)
	s.noteQualityLocked()
	cancelled := s.cancelled
	s.mu.Unlock()

	if cancelled {
		return
	}
	s.ScheduleReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Reconnect(ctx); err != nil {
			log.Printf("supervisor: reconnect failed: %v", err)
			s.OnDisconnected(err)
		}
	})
}

// Reconnect performs one scheduled connection attempt without resetting the
// attempt counter. Used by the reconnect timer; callers wanting a fresh
// cycle use Connect.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.attemptSeq++
	seq := s.attemptSeq
	s.mu.Unlock()

	return s.dial(ctx, seq)
}

// ScheduleReconnect computes the next backoff delay and arms a one-shot
// timer that invokes action. When the attempt budget is exhausted it emits
// an error event instead and stops scheduling; a later manual Connect
// resets the cycle.
func (s *Supervisor) ScheduleReconnect(action func()) {
	s.mu.Lock()
	if s.exhausted || s.cancelled {
		s.mu.Unlock()
		return
	}
	if s.attempt >= s.maxAttempts {
		s.exhausted = true
		s.appendEventLocked(EventError, ErrReconnectExhausted.Error())
		s.mu.Unlock()
		log.Printf("supervisor: exhausted %d reconnect attempts, giving up", s.maxAttempts)
		return
	}

	delay := s.delayLocked(s.attempt)
	s.attempt++
	s.state = StateReconnecting
	s.appendEventLocked(EventReconnecting, fmt.Sprintf("attempt %d/%d in %v", s.attempt, s.maxAttempts, delay))
	s.disarmTimerLocked()
	s.cancelTimer = s.sched.AfterFunc(delay, action)
	s.mu.Unlock()
}

// CancelReconnect disarms any pending reconnect timer and suppresses
// automatic rescheduling until the next Connect. Idempotent and safe to
// call from any state.
func (s *Supervisor) CancelReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.disarmTimerLocked()
	// Invalidate any in-flight attempt so its success handler is ignored.
	s.attemptSeq++
	if s.state == StateReconnecting || s.state == StateConnecting {
		s.state = StateDisconnected
	}
}

// PendingReconnect reports whether a reconnect timer is armed.
func (s *Supervisor) PendingReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelTimer != nil
}

// Quality derives connection quality from disconnection events within the
// trailing window. It is recomputed on every call, never stored as truth.
// A transport reporting no network path forces offline.
func (s *Supervisor) Quality() Quality {
	if nr, ok := s.tr.(transport.NetworkReporter); ok && !nr.Online() {
		return QualityOffline
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qualityLocked(time.Now())
}

func (s *Supervisor) qualityLocked(now time.Time) Quality {
	n := 0
	cutoff := now.Add(-qualityWindow)
	for _, t := range s.disconnects {
		if t.After(cutoff) {
			n++
		}
	}
	switch {
	case n == 0:
		return QualityExcellent
	case n <= 1:
		return QualityGood
	case n <= 3:
		return QualityFair
	default:
		return QualityPoor
	}
}

// noteQualityLocked emits a qualityChanged event when the derived quality
// moved. Caller holds mu.
func (s *Supervisor) noteQualityLocked() {
	q := s.qualityLocked(time.Now())
	if q != s.lastQuality {
		s.lastQuality = q
		s.appendEventLocked(EventQualityChanged, string(q))
	}
}

// Events returns a snapshot of the bounded connection event history,
// oldest first.
func (s *Supervisor) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Subscribe returns a channel receiving future connection events. Slow
// consumers miss events rather than blocking the supervisor.
func (s *Supervisor) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Run consumes transport disconnect notifications until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.CancelReconnect()
			return
		case err, ok := <-s.tr.Disconnects():
			if !ok {
				return
			}
			s.OnDisconnected(err)
		}
	}
}

// delayLocked computes min(base * 2^attempt, max) with symmetric jitter up
// to jitterFraction, floored at base. Caller holds mu.
func (s *Supervisor) delayLocked(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * s.base
	if d > s.max || d <= 0 {
		d = s.max
	}
	jitter := time.Duration((s.rng.Float64()*2 - 1) * jitterFraction * float64(d))
	d += jitter
	if d < s.base {
		d = s.base
	}
	if d > s.max {
		d = s.max
	}
	return d
}

// appendEventLocked appends to the bounded history and fans out to
// subscribers. Caller holds mu.
func (s *Supervisor) appendEventLocked(t EventType, details string) {
	ev := Event{
		Timestamp: time.Now(),
		Type:      t,
		Quality:   s.qualityLocked(time.Now()),
		Details:   details,
	}
	s.events = append(s.events, ev)
	if len(s.events) > historyCap {
		s.events = s.events[len(s.events)-historyCap:]
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// trimDisconnectsLocked drops disconnect records older than the quality
// window. Caller holds mu.
func (s *Supervisor) trimDisconnectsLocked(now time.Time) {
	cutoff := now.Add(-qualityWindow)
	i := 0
	for ; i < len(s.disconnects); i++ {
		if s.disconnects[i].After(cutoff) {
			break
		}
	}
	s.disconnects = s.disconnects[i:]
}

// disarmTimerLocked stops any armed reconnect timer. Caller holds mu.
func (s *Supervisor) disarmTimerLocked() {
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
}
