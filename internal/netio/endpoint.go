package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/kohanmathers/goneon/internal/neon"
)

// ErrTimeout indicates a Recv deadline expired with no datagram
// available. Loop callers treat it as an idle tick, not a failure.
var ErrTimeout = errors.New("receive timed out")

// PacketConn is the subset of *net.UDPConn the endpoint needs. The
// seam enables loop tests over in-memory connections.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// Endpoint is a UDP endpoint speaking the Neon wire protocol. All
// methods are called from the owning loop goroutine; the endpoint
// itself holds no protocol state.
type Endpoint struct {
	conn   PacketConn
	logger *slog.Logger
}

// Listen binds a UDP endpoint on addr ("host:port"; an empty host
// binds all interfaces).
func Listen(addr string, logger *slog.Logger) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address %q: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind udp %q: %w", addr, err)
	}

	return FromConn(conn, logger), nil
}

// FromConn wraps an existing connection. Useful for tests with mock
// connections or pre-bound sockets.
func FromConn(conn PacketConn, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{conn: conn, logger: logger}
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Close closes the underlying connection. A blocked Recv returns with
// an error once the connection is closed.
func (e *Endpoint) Close() error {
	if err := e.conn.Close(); err != nil {
		return fmt.Errorf("close endpoint: %w", err)
	}
	return nil
}

// Send marshals pkt and transmits it to addr as a single datagram.
func (e *Endpoint) Send(pkt *neon.Packet, addr netip.AddrPort) error {
	bufp := neon.PacketPool.Get().(*[]byte)
	defer neon.PacketPool.Put(bufp)

	n, err := neon.Marshal(pkt, *bufp)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", pkt.Type, addr, err)
	}

	if _, err := e.conn.WriteToUDPAddrPort((*bufp)[:n], addr); err != nil {
		return fmt.Errorf("send %s to %s: %w", pkt.Type, addr, err)
	}
	return nil
}

// SendRaw transmits an already-marshaled datagram to addr. Used by the
// reliability layer, which retransmits stored bytes verbatim.
func (e *Endpoint) SendRaw(data []byte, addr netip.AddrPort) error {
	if _, err := e.conn.WriteToUDPAddrPort(data, addr); err != nil {
		return fmt.Errorf("send %d bytes to %s: %w", len(data), addr, err)
	}
	return nil
}

// Recv waits up to timeout for one datagram and decodes it.
//
// Errors are classified for the caller:
//   - ErrTimeout: no datagram arrived before the deadline.
//   - neon.ErrMalformedHeader / neon.ErrMalformedPayload (wrapped):
//     a datagram arrived but failed decoding; drop and continue.
//   - anything else: the socket is unusable; the loop should stop.
func (e *Endpoint) Recv(timeout time.Duration) (neon.Packet, netip.AddrPort, error) {
	var pkt neon.Packet

	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return pkt, netip.AddrPort{}, fmt.Errorf("set read deadline: %w", err)
	}

	bufp := neon.PacketPool.Get().(*[]byte)
	defer neon.PacketPool.Put(bufp)

	n, addr, err := e.conn.ReadFromUDPAddrPort(*bufp)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return pkt, netip.AddrPort{}, ErrTimeout
		}
		return pkt, netip.AddrPort{}, fmt.Errorf("read datagram: %w", err)
	}

	if err := neon.Unmarshal((*bufp)[:n], &pkt); err != nil {
		return pkt, addr, fmt.Errorf("decode datagram from %s: %w", addr, err)
	}

	return pkt, addr, nil
}

// IsDecodeError reports whether err is a codec failure for which the
// datagram should be dropped without aborting the loop.
func IsDecodeError(err error) bool {
	return errors.Is(err, neon.ErrMalformedHeader) ||
		errors.Is(err, neon.ErrMalformedPayload)
}
