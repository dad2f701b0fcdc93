package transport

import (
	"net"
	"time"
)

// Endpoint is a datagram socket with timeout-bounded receives.
type Endpoint interface {
	// Send writes one datagram to addr.
	Send(b []byte, addr net.Addr) error

	// Receive waits up to timeout for one datagram. Zero blocks.
	Receive(timeout time.Duration) ([]byte, net.Addr, error)

	// LocalAddr returns the local address of the socket.
	LocalAddr() net.Addr

	// Close shuts the socket down.
	Close() error
}

// Datagram is one packet read from a Listener.
type Datagram struct {
	Data []byte
	Addr net.Addr
	// Dst is the local IP the datagram was addressed to, when the platform
	// reports it. Sessions bind their private socket to it so replies leave
	// from the interface the request reached.
	Dst net.IP
}

// SameAddr reports whether a and b name the same UDP endpoint (IP and port).
// This is the TID comparison used throughout the module.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// Port returns the UDP port of addr, or 0 for non-UDP addresses.
func Port(addr net.Addr) int {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.Port
	}
	return 0
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ":0"
	}
	return net.JoinHostPort(ip.String(), "0")
}
