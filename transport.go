package smp

import "context"

// Transport is the capability set every SMP transport implements. The
// engine (client.go) only ever talks to this interface, so serial/BLE/UDP
// transports are interchangeable without the engine knowing which one it
// has. Send is fire-and-forget and Receive is a separate stream, rather
// than one synchronous request/response call, so the engine can keep
// several requests in flight at once (concurrent Request calls) instead of
// waiting for one response before sending the next request. RequestAll
// itself still issues its requests one at a time.
type Transport interface {
	// Connect establishes the underlying link.
	Connect(ctx context.Context) error

	// Disconnect releases the link. Idempotent: calling it more than once,
	// or before a successful Connect, must not error.
	Disconnect() error

	// Send accepts one complete SMP datagram and fragments it internally
	// according to the transport's on-wire framing. It returns once the
	// bytes have been handed to the wire, not once a response has arrived.
	Send(ctx context.Context, datagram []byte) error

	// Receive blocks until one complete, reassembled SMP datagram has
	// arrived, or ctx is done, or the transport has disconnected.
	Receive(ctx context.Context) ([]byte, error)

	// Initialize performs transport-specific negotiation after Connect
	// (e.g. requesting the remote MTU). Implementations that need no
	// negotiation return nil immediately.
	Initialize(ctx context.Context) error

	// MTU is the largest on-the-wire chunk the transport emits per
	// physical write.
	MTU() int

	// MaxUnencodedSize is the largest SMP datagram the remote will accept
	// in one logical message, after any transport-level encoding is
	// stripped. May change over the transport's lifetime (e.g. after an
	// MTU probe), so callers re-read it per request rather than caching it.
	MaxUnencodedSize() int
}
