package transfer

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout is the retransmission timeout of a sent packet.
	DefaultTimeout = time.Second

	// DefaultMaxRetries is how often one packet is retransmitted before the
	// transfer is abandoned.
	DefaultMaxRetries = 5

	// DefaultSessionTimeout is how long a receiver waits for the next DATA
	// packet before abandoning the transfer.
	DefaultSessionTimeout = 10 * time.Second

	// pollInterval bounds a single socket wait so cancellation is observed
	// promptly during long waits.
	pollInterval = 100 * time.Millisecond
)

// Config holds the timing parameters of one transfer.
type Config struct {
	// Timeout is the wait for a reply before a packet is retransmitted.
	Timeout time.Duration

	// MaxRetries bounds retransmissions of a single packet.
	MaxRetries int

	// SessionTimeout is the receiver's hard wait for the next DATA packet.
	SessionTimeout time.Duration

	// Dally keeps a receiver listening after its final ACK so a
	// retransmitted final DATA can be acknowledged again. Zero disables it.
	Dally time.Duration

	// Log receives the transfer's log lines. Callers attach session
	// identity fields to it.
	Log *logrus.Entry
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		SessionTimeout: DefaultSessionTimeout,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %v", c.SessionTimeout)
	}
	if c.Dally < 0 {
		return fmt.Errorf("dally cannot be negative, got %v", c.Dally)
	}
	return nil
}

func (c Config) logger() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Channel is the datagram socket a transfer runs on. Receive returns
// transport.ErrTimeout when the wait expires.
type Channel interface {
	Send(b []byte, addr net.Addr) error
	Receive(timeout time.Duration) ([]byte, net.Addr, error)
}

// Source supplies the blocks of an outgoing file.
type Source interface {
	ReadNextBlock(maxBytes int) ([]byte, error)
	Size() int64
}

// Sink stores the blocks of an incoming file.
type Sink interface {
	WriteBlock(b []byte) error
	Finalize() error
	Abort() error
}

// Opening is the packet that starts a transfer from the initiating side: a
// request sent to a server's well-known port, or the server's ACK 0 for a
// WRQ. It is retransmitted until the peer's first reply arrives.
type Opening struct {
	Packet []byte
	Addr   net.Addr
}

var (
	// ErrTransferAbandoned indicates the retry budget or the session timeout
	// was exhausted. No ERROR is sent: the peer is presumed unreachable.
	ErrTransferAbandoned = errors.New("transfer abandoned")

	// ErrProtocolViolation indicates the peer sent a packet that is not valid
	// in the current state. An IllegalOperation ERROR has been sent unless
	// the offending packet was itself an ERROR.
	ErrProtocolViolation = errors.New("protocol violation")
)
