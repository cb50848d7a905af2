package notify

import (
	"context"
	"sync"
)

// MockNotifier records alerts for assertions in tests.
type MockNotifier struct {
	mu     sync.Mutex
	alerts []Alert

	// FailWith, when set, is returned by every Send.
	FailWith error
}

func (m *MockNotifier) Name() string { return "mock" }

func (m *MockNotifier) Send(ctx context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.alerts = append(m.alerts, a)
	return nil
}

// Alerts returns a copy of everything sent so far.
func (m *MockNotifier) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// LastAlert returns the most recent alert, if any.
func (m *MockNotifier) LastAlert() (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return Alert{}, false
	}
	return m.alerts[len(m.alerts)-1], true
}
