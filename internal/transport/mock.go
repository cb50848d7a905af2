package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/envelope"
)

// MockTransport implements Transport and NetworkReporter for testing. It
// records sent envelopes and allows simulating inbound traffic, disconnects,
// connect failures, and loss of network path.
type MockTransport struct {
	mu          sync.Mutex
	connected   bool
	closed      bool
	online      bool
	inbound     chan envelope.Envelope
	disconnects chan error
	sent        []envelope.Envelope
	connectErrs []error // popped front-first by Connect
	sendErr     error
	connects    int
}

// NewMockTransport creates a MockTransport with buffered channels.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		online:      true,
		inbound:     make(chan envelope.Envelope, 100),
		disconnects: make(chan error, 10),
	}
}

// Connect marks the transport connected, or fails with the next scripted
// connect error.
func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock transport: already closed")
	}
	m.connects++
	if len(m.connectErrs) > 0 {
		err := m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	m.connected = true
	return nil
}

// Listen returns the inbound envelope channel. Must be called after Connect.
func (m *MockTransport) Listen(ctx context.Context) (<-chan envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock transport: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound envelope.
func (m *MockTransport) Send(ctx context.Context, env envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock transport: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, env)
	return nil
}

// Disconnects returns the disconnect notification channel.
func (m *MockTransport) Disconnects() <-chan error {
	return m.disconnects
}

// Close shuts down the mock and closes the inbound channel.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// Online implements NetworkReporter.
func (m *MockTransport) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// --- Test helpers ---

// SetOnline toggles the simulated network path.
func (m *MockTransport) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// ScriptConnectErrors queues errors returned by successive Connect calls.
// A nil entry makes that call succeed.
func (m *MockTransport) ScriptConnectErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErrs = append(m.connectErrs, errs...)
}

// FailSendsWith makes all subsequent Send calls return err (nil to reset).
func (m *MockTransport) FailSendsWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SimulateInbound delivers an envelope as if it came from the backend.
func (m *MockTransport) SimulateInbound(env envelope.Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	m.inbound <- env
}

// SimulateDisconnect marks the transport disconnected and signals the
// disconnect channel.
func (m *MockTransport) SimulateDisconnect(err error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.disconnects <- err
}

// ConnectCount returns how many times Connect was called.
func (m *MockTransport) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Connected reports the current simulated connection state.
func (m *MockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// AllSent returns a copy of all sent envelopes.
func (m *MockTransport) AllSent() []envelope.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envelope.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recently sent envelope.
// Returns zero value and false if nothing has been sent.
func (m *MockTransport) LastSent() (envelope.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return envelope.Envelope{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of envelopes sent.
func (m *MockTransport) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
