package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/limits"
)

// UDPEndpoint is one UDP socket used by a single session. Receive calls are
// serialized; Send may be called from any goroutine, which lets deferred
// relay tasks share the session socket.
type UDPEndpoint struct {
	conn   net.PacketConn
	readMu sync.Mutex
	buf    []byte
	closed atomic.Bool
}

// Listen opens a UDP endpoint on addr. An empty port picks an ephemeral one.
func Listen(addr string) (*UDPEndpoint, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, newOpError("listen", addr, err)
	}
	return NewUDPEndpoint(conn), nil
}

// ListenEphemeral opens a UDP endpoint on an ephemeral port of ip. A nil ip
// binds all interfaces.
func ListenEphemeral(ip net.IP) (*UDPEndpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	if err != nil {
		return nil, newOpError("listen", ipString(ip), err)
	}
	return NewUDPEndpoint(conn), nil
}

// NewUDPEndpoint wraps an existing packet connection.
func NewUDPEndpoint(conn net.PacketConn) *UDPEndpoint {
	return &UDPEndpoint{
		conn: conn,
		buf:  make([]byte, limits.ReceiveBuffer),
	}
}

// Send writes one datagram to addr.
func (e *UDPEndpoint) Send(b []byte, addr net.Addr) error {
	if e.closed.Load() {
		return newOpError("send", addrString(addr), ErrClosed)
	}
	if _, err := e.conn.WriteTo(b, addr); err != nil {
		return newOpError("send", addrString(addr), err)
	}
	return nil
}

// Receive waits up to timeout for one datagram and returns a private copy of
// it. A timeout of zero or less blocks until a datagram arrives or the
// endpoint is closed. An expired wait returns ErrTimeout.
func (e *UDPEndpoint) Receive(timeout time.Duration) ([]byte, net.Addr, error) {
	e.readMu.Lock()
	defer e.readMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, e.handleReadError(err)
	}

	n, addr, err := e.conn.ReadFrom(e.buf)
	if err != nil {
		return nil, nil, e.handleReadError(err)
	}

	data := make([]byte, n)
	copy(data, e.buf[:n])
	return data, addr, nil
}

// handleReadError maps socket read errors onto ErrTimeout and ErrClosed.
func (e *UDPEndpoint) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if e.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}

	logrus.WithFields(logrus.Fields{
		"function":   "UDPEndpoint.Receive",
		"local_addr": e.conn.LocalAddr().String(),
		"error":      err.Error(),
	}).Debug("Error reading datagram")
	return newOpError("receive", e.conn.LocalAddr().String(), err)
}

// LocalAddr returns the address the endpoint is bound to.
func (e *UDPEndpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Close shuts the socket. Pending and later Receive calls return ErrClosed.
func (e *UDPEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.conn.Close()
}
