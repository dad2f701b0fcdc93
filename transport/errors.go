package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates a receive deadline expired without a datagram
	ErrTimeout = errors.New("receive timed out")

	// ErrClosed indicates the endpoint has been closed
	ErrClosed = errors.New("endpoint closed")
)

// OpError represents a socket error with additional context
type OpError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("udp %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("udp %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// newOpError creates a new OpError
func newOpError(op, addr string, err error) *OpError {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
