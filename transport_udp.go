package smp

import (
	"context"
	"fmt"
	"net"
	"time"
)

// defaultUDPMaxUnencodedSize is a safe under-MTU payload size that avoids
// IP fragmentation on a typical local network path.
const defaultUDPMaxUnencodedSize = 1472

var _ Transport = (*UDPTransport)(nil)

// UDPTransport implements Transport with one SMP datagram per UDP
// datagram: no transport-level fragmentation or reassembly, since a
// single UDP write is already atomic from the peer's point of view.
type UDPTransport struct {
	addr string
	conn *net.UDPConn

	maxUnencodedSize int
}

// NewUDPTransport creates a UDPTransport that will dial addr (host:port) on
// Connect.
func NewUDPTransport(addr string) *UDPTransport {
	return &UDPTransport{addr: addr, maxUnencodedSize: defaultUDPMaxUnencodedSize}
}

// NewUDPTransportWithConfig creates a UDPTransport whose MaxUnencodedSize
// comes from cfg.DefaultMTU instead of the package default.
func NewUDPTransportWithConfig(cfg Config, addr string) *UDPTransport {
	return &UDPTransport{addr: addr, maxUnencodedSize: cfg.DefaultMTU}
}

// Connect implements Transport.
func (u *UDPTransport) Connect(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", u.addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %v", ErrTransportConnectionFailed, u.addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportConnectionFailed, err)
	}

	u.conn = conn
	return nil
}

// Disconnect implements Transport. Idempotent.
func (u *UDPTransport) Disconnect() error {
	if u.conn == nil {
		return nil
	}
	conn := u.conn
	u.conn = nil
	if err := conn.Close(); err != nil {
		return fmt.Errorf("smp: disconnect udp: %w", err)
	}
	return nil
}

// Initialize implements Transport. UDP needs no post-connect negotiation.
func (u *UDPTransport) Initialize(ctx context.Context) error {
	return nil
}

// MTU implements Transport. UDP performs no transport-level fragmentation,
// so MTU and MaxUnencodedSize coincide.
func (u *UDPTransport) MTU() int { return u.maxUnencodedSize }

// MaxUnencodedSize implements Transport.
func (u *UDPTransport) MaxUnencodedSize() int { return u.maxUnencodedSize }

// Send implements Transport. A datagram larger than MaxUnencodedSize fails
// outright rather than being fragmented.
func (u *UDPTransport) Send(ctx context.Context, datagram []byte) error {
	if u.conn == nil {
		return ErrTransportNotConnected
	}
	if len(datagram) > u.maxUnencodedSize {
		return fmt.Errorf("%w: datagram of %d bytes exceeds max %d", ErrTransportWriteFailed, len(datagram), u.maxUnencodedSize)
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = u.conn.SetWriteDeadline(deadline)
	}

	if _, err := u.conn.Write(datagram); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportWriteFailed, err)
	}
	return nil
}

// Receive implements Transport, returning one full UDP datagram per call.
// A deadline on ctx becomes the socket read deadline; cancelling ctx does
// not by itself interrupt a read in progress.
func (u *UDPTransport) Receive(ctx context.Context) ([]byte, error) {
	if u.conn == nil {
		return nil, ErrTransportNotConnected
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = u.conn.SetReadDeadline(deadline)
	} else {
		_ = u.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 65536)
	n, err := u.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportReadFailed, err)
	}
	return buf[:n], nil
}
