// Package transport defines the narrow interface the connection
// supervisor needs from a bidirectional framed connection, so the
// supervisor's dispatch loop never imports a specific transport library
// directly — only the adapter package under pkg/transport/ws does.
package transport

import "context"

// Transport is a single bidirectional framed connection. Frames are
// opaque byte slices; the supervisor is responsible for decoding them.
type Transport interface {
	// Send writes one outbound frame. Safe for concurrent use.
	Send(ctx context.Context, frame []byte) error

	// Incoming yields inbound frames in arrival order. The channel is
	// closed when the underlying connection ends, for any reason.
	Incoming() <-chan []byte

	// Close closes the connection with a transport-level status code
	// and human-readable reason.
	Close(code int, reason string) error
}
