// Package transport abstracts the connection to the conversational backend.
// The supervisor and bridge depend only on the interfaces here, not on a
// concrete protocol.
package transport

import (
	"context"

	"github.com/zulandar/signalbox/internal/envelope"
)

// Transport is the interface a concrete backend connection must satisfy.
type Transport interface {
	// Connect establishes a connection to the backend.
	Connect(ctx context.Context) error

	// Listen returns a channel of decoded inbound envelopes. The channel is
	// closed when the context is cancelled or the transport is closed.
	// Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan envelope.Envelope, error)

	// Send delivers an envelope to the backend.
	Send(ctx context.Context, env envelope.Envelope) error

	// Disconnects returns a channel that receives one error per lost
	// connection. The supervisor consumes this to schedule reconnects.
	Disconnects() <-chan error

	// Close gracefully shuts down the transport.
	Close() error
}

// NetworkReporter is an optional interface a transport can implement to
// report whether a network path currently exists at all. When it reports
// false, connection quality is forced to offline regardless of history.
type NetworkReporter interface {
	Online() bool
}
