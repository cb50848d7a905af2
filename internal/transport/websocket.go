package transport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/zulandar/signalbox/internal/envelope"
)

// inboundBuffer sizes the decoded-envelope channel; large enough to absorb
// a reconnect burst without blocking the read pump.
const inboundBuffer = 100

// WebSocket implements Transport over a WebSocket connection to the backend.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool
	inbound     chan envelope.Envelope
	disconnects chan error
	cancelRead  context.CancelFunc
	pumps       sync.WaitGroup
}

// WebSocketOpts holds parameters for creating a WebSocket transport.
type WebSocketOpts struct {
	URL    string
	Dialer *websocket.Dialer // defaults to websocket.DefaultDialer
}

// NewWebSocket creates a WebSocket transport. It does not connect.
func NewWebSocket(opts WebSocketOpts) (*WebSocket, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport: websocket: url is required")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocket{
		url:         opts.URL,
		dialer:      dialer,
		inbound:     make(chan envelope.Envelope, inboundBuffer),
		disconnects: make(chan error, 1),
	}, nil
}

// Connect dials the backend. Safe to call again after a disconnect.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport: websocket: already closed")
	}
	if t.connected {
		return nil
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("transport: websocket: dial %s: %w", t.url, err)
	}
	t.conn = conn
	t.connected = true
	return nil
}

// Listen starts the read pump and returns the inbound envelope channel.
// Must be called after Connect. The pump survives reconnects: after a
// disconnect and a successful Connect, call Listen again to resume reads.
func (t *WebSocket) Listen(ctx context.Context) (<-chan envelope.Envelope, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport: websocket: not connected")
	}
	readCtx, cancel := context.WithCancel(ctx)
	t.cancelRead = cancel
	conn := t.conn
	t.pumps.Add(1)
	t.mu.Unlock()

	go t.readPump(readCtx, conn)
	return t.inbound, nil
}

// Send writes an envelope to the backend.
func (t *WebSocket) Send(ctx context.Context, env envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("transport: websocket: not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: websocket: write: %w", err)
	}
	return nil
}

// Disconnects returns the disconnect notification channel.
func (t *WebSocket) Disconnects() <-chan error {
	return t.disconnects
}

// Close shuts down the transport and closes the inbound channel.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	if t.cancelRead != nil {
		t.cancelRead()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()

	// The pump may be parked on an inbound send; join it before closing the
	// channel it writes to.
	t.pumps.Wait()
	close(t.inbound)
	return nil
}

// readPump reads frames, decodes them once, and forwards envelopes inland.
// On read error it marks the transport disconnected and signals Disconnects.
func (t *WebSocket) readPump(ctx context.Context, conn *websocket.Conn) {
	defer t.pumps.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			if t.conn == conn {
				t.connected = false
			}
			t.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			select {
			case t.disconnects <- fmt.Errorf("transport: websocket: read: %w", err):
			default:
			}
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			log.Printf("transport: websocket: dropping undecodable frame: %v", err)
			continue
		}

		select {
		case t.inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}
