package transfer

import (
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/tftpsim/file"
	"github.com/opd-ai/tftpsim/packet"
)

// PeerError reports an ERROR packet received from the remote side.
type PeerError struct {
	Code    packet.ErrorCode
	Message string
	Addr    net.Addr
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s sent ERROR %d (%s): %s", e.Addr, uint16(e.Code), packet.ClassifyErrorCode(uint16(e.Code)), e.Message)
}

func newPeerError(p *packet.Error, from net.Addr) *PeerError {
	return &PeerError{Code: p.Code, Message: p.Message, Addr: from}
}

// ErrorCodeFor maps a local failure onto the ERROR code sent to the peer.
func ErrorCodeFor(err error) packet.ErrorCode {
	var perr *packet.ParseError
	switch {
	case errors.Is(err, file.ErrNotFound):
		return packet.ErrFileNotFound
	case errors.Is(err, file.ErrAccessViolation):
		return packet.ErrAccessViolation
	case errors.Is(err, file.ErrDiskFull):
		return packet.ErrDiskFull
	case errors.Is(err, file.ErrAlreadyExists):
		return packet.ErrFileExists
	case errors.As(err, &perr), errors.Is(err, ErrProtocolViolation):
		return packet.ErrIllegalOperation
	default:
		return packet.ErrUndefined
	}
}
