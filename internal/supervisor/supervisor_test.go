package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/transport"
)

func newTestSupervisor(t *testing.T, tr transport.Transport, sched Scheduler) *Supervisor {
	t.Helper()
	s, err := New(Opts{
		Transport: tr,
		Scheduler: sched,
		Seed:      1,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return s
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Opts{})
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
}

func TestConnect_Success(t *testing.T) {
	tr := transport.NewMockTransport()
	s := newTestSupervisor(t, tr, NewManualScheduler())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %q, want connected", s.State())
	}
	events := s.Events()
	if len(events) != 1 || events[0].Type != EventConnected {
		t.Errorf("events = %+v", events)
	}
}

func TestConnect_Failure(t *testing.T) {
	tr := transport.NewMockTransport()
	tr.ScriptConnectErrors(errors.New("refused"))
	s := newTestSupervisor(t, tr, NewManualScheduler())

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %q, want disconnected", s.State())
	}
}

func TestOnDisconnected_SchedulesReconnect(t *testing.T) {
	tr := transport.NewMockTransport()
	sched := NewManualScheduler()
	s := newTestSupervisor(t, tr, sched)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.OnDisconnected(errors.New("broken pipe"))

	if s.State() != StateReconnecting {
		t.Errorf("state = %q, want reconnecting", s.State())
	}
	if !s.PendingReconnect() {
		t.Error("expected a pending reconnect timer")
	}
	if s.Attempt() != 1 {
		t.Errorf("attempt = %d, want 1", s.Attempt())
	}

	// Firing the timer reconnects successfully and resets the counter.
	sched.Fire()
	if s.State() != StateConnected {
		t.Errorf("state after fire = %q, want connected", s.State())
	}
	if s.Attempt() != 0 {
		t.Errorf("attempt after success = %d, want 0", s.Attempt())
	}
}

func TestCancelReconnect_Idempotent(t *testing.T) {
	tr := transport.NewMockTransport()
	sched := NewManualScheduler()
	s := newTestSupervisor(t, tr, sched)

	s.Connect(context.Background())
	s.OnDisconnected(nil)
	if !s.PendingReconnect() {
		t.Fatal("expected pending reconnect")
	}

	s.CancelReconnect()
	s.CancelReconnect()
	if s.PendingReconnect() {
		t.Error("timer should be disarmed")
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %q, want disconnected", s.State())
	}

	// Firing after cancel must do nothing.
	before := tr.ConnectCount()
	sched.Fire()
	if tr.ConnectCount() != before {
		t.Error("cancelled timer still dialed")
	}
}

func TestCancelReconnect_StaleAttemptGuard(t *testing.T) {
	tr := transport.NewMockTransport()
	s := newTestSupervisor(t, tr, NewManualScheduler())

	// Start a reconnect attempt, then cancel before applying its outcome.
	s.mu.Lock()
	s.state = StateConnecting
	s.attemptSeq++
	seq := s.attemptSeq
	s.mu.Unlock()

	s.CancelReconnect()

	// The in-flight dial completes now; its outcome must be discarded.
	s.dial(context.Background(), seq)
	if s.State() == StateConnected {
		t.Error("stale attempt mutated state after cancel")
	}
}

func TestExhaustion_StopsSchedulingAndManualConnectResets(t *testing.T) {
	tr := transport.NewMockTransport()
	sched := NewManualScheduler()
	s := newTestSupervisor(t, tr, sched)
	s.Connect(context.Background())

	// Drive the attempt counter to the cap.
	for i := 0; i < DefaultMaxReconnectAttempts; i++ {
		s.ScheduleReconnect(func() {})
	}
	if s.Attempt() != DefaultMaxReconnectAttempts {
		t.Fatalf("attempt = %d", s.Attempt())
	}

	// One more schedule call trips exhaustion.
	s.ScheduleReconnect(func() {})
	if !s.Exhausted() {
		t.Fatal("expected exhausted")
	}
	events := s.Events()
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Errorf("last event = %+v, want error", last)
	}

	// Further scheduling is suppressed.
	armed := sched.PendingCount()
	s.ScheduleReconnect(func() {})
	if sched.PendingCount() != armed {
		t.Error("exhausted supervisor armed a timer")
	}

	// Manual connect resets the cycle.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("manual connect: %v", err)
	}
	if s.Exhausted() || s.Attempt() != 0 {
		t.Errorf("exhausted = %v attempt = %d after manual connect", s.Exhausted(), s.Attempt())
	}
}

func TestBackoff_DelayBoundsAndMonotonicity(t *testing.T) {
	tr := transport.NewMockTransport()
	s := newTestSupervisor(t, tr, NewManualScheduler())

	s.mu.Lock()
	defer s.mu.Unlock()
	prevCeiling := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := s.delayLocked(attempt)
		if d < s.base {
			t.Errorf("attempt %d: delay %v below base", attempt, d)
		}
		if d > s.max {
			t.Errorf("attempt %d: delay %v above max", attempt, d)
		}
		// The dejittered value min(base*2^n, max) is non-decreasing.
		raw := time.Duration(1<<uint(attempt)) * s.base
		if raw > s.max || raw <= 0 {
			raw = s.max
		}
		if raw < prevCeiling {
			t.Errorf("attempt %d: expected delay decreased: %v < %v", attempt, raw, prevCeiling)
		}
		prevCeiling = raw
	}
}

func TestQuality_Derivation(t *testing.T) {
	tr := transport.NewMockTransport()
	s := newTestSupervisor(t, tr, NewManualScheduler())

	if q := s.Quality(); q != QualityExcellent {
		t.Errorf("quality = %q, want excellent", q)
	}

	s.CancelReconnect() // suppress auto-reconnect for this test
	s.OnDisconnected(nil)
	if q := s.Quality(); q != QualityGood {
		t.Errorf("quality after 1 disconnect = %q, want good", q)
	}

	s.OnDisconnected(nil)
	s.OnDisconnected(nil)
	if q := s.Quality(); q != QualityFair {
		t.Errorf("quality after 3 disconnects = %q, want fair", q)
	}

	// Ten disconnects within the window reads poor.
	for i := 0; i < 7; i++ {
		s.OnDisconnected(nil)
	}
	if q := s.Quality(); q != QualityPoor {
		t.Errorf("quality after 10 disconnects = %q, want poor", q)
	}
}

func TestQuality_OfflineOverride(t *testing.T) {
	tr := transport.NewMockTransport()
	s := newTestSupervisor(t, tr, NewManualScheduler())

	tr.SetOnline(false)
	if q := s.Quality(); q != QualityOffline {
		t.Errorf("quality = %q, want offline", q)
	}
	tr.SetOnline(true)
	if q := s.Quality(); q != QualityExcellent {
		t.Errorf("quality = %q, want excellent", q)
	}
}

func TestConnect_ClearsDisconnectHistory(t *testing.T) {
	tr := transport.NewMockTransport()
	s := newTestSupervisor(t, tr, NewManualScheduler())

	s.CancelReconnect()
	s.OnDisconnected(nil)
	s.OnDisconnected(nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if q := s.Quality(); q != QualityExcellent {
		t.Errorf("quality after fresh connect = %q, want excellent", q)
	}
}

func TestEventHistory_Bounded(t *testing.T) {
	tr := transport.NewMockTransport()
	s := newTestSupervisor(t, tr, NewManualScheduler())
	s.CancelReconnect()

	for i := 0; i < historyCap+50; i++ {
		s.OnDisconnected(nil)
	}
	if n := len(s.Events()); n != historyCap {
		t.Errorf("history len = %d, want %d", n, historyCap)
	}
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	tr := transport.NewMockTransport()
	s := newTestSupervisor(t, tr, NewManualScheduler())
	ch := s.Subscribe()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventConnected {
			t.Errorf("event = %+v, want connected", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRun_ConsumesDisconnects(t *testing.T) {
	tr := transport.NewMockTransport()
	sched := NewManualScheduler()
	s := newTestSupervisor(t, tr, sched)
	s.Connect(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	tr.SimulateDisconnect(errors.New("gone"))

	deadline := time.After(2 * time.Second)
	for s.Attempt() == 0 {
		select {
		case <-deadline:
			t.Fatal("supervisor never scheduled a reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
