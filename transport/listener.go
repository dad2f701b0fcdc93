package transport

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/opd-ai/tftpsim/limits"
)

// Listener is the well-known request socket of a server or relay. When the
// platform supports IPv4 packet info it reports the destination address of
// every datagram.
type Listener struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	buf    []byte
	closed atomic.Bool
}

// ListenRequests opens the well-known request socket on addr.
func ListenRequests(addr string) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, newOpError("resolve", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, newOpError("listen", addr, err)
	}

	l := &Listener{
		conn: conn,
		buf:  make([]byte, limits.ReceiveBuffer),
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "ListenRequests",
			"local_addr": conn.LocalAddr().String(),
			"error":      err.Error(),
		}).Debug("Destination address capture unavailable, sessions bind all interfaces")
	} else {
		l.pconn = pconn
	}

	logrus.WithFields(logrus.Fields{
		"function":   "ListenRequests",
		"local_addr": conn.LocalAddr().String(),
		"dst_info":   l.pconn != nil,
	}).Info("Request listener started")

	return l, nil
}

// Receive waits up to timeout for a datagram. Accept loops use a short
// timeout so they can observe cancellation between reads.
func (l *Listener) Receive(timeout time.Duration) (Datagram, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return Datagram{}, l.handleReadError(err)
	}

	var (
		n   int
		src net.Addr
		dst net.IP
		err error
	)
	if l.pconn != nil {
		var cm *ipv4.ControlMessage
		n, cm, src, err = l.pconn.ReadFrom(l.buf)
		if cm != nil && cm.Dst != nil && !cm.Dst.IsUnspecified() {
			dst = cm.Dst
		}
	} else {
		n, src, err = l.conn.ReadFrom(l.buf)
	}
	if err != nil {
		return Datagram{}, l.handleReadError(err)
	}

	data := make([]byte, n)
	copy(data, l.buf[:n])
	return Datagram{Data: data, Addr: src, Dst: dst}, nil
}

func (l *Listener) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if l.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return newOpError("receive", l.conn.LocalAddr().String(), err)
}

// Send writes a datagram from the listening socket. Only the dispatcher
// uses it, to reject packets that cannot start a session.
func (l *Listener) Send(b []byte, addr net.Addr) error {
	if _, err := l.conn.WriteTo(b, addr); err != nil {
		return newOpError("send", addrString(addr), err)
	}
	return nil
}

// Addr returns the bound address of the listener.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close shuts the listening socket.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close()
}
