package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/tftpsim/limits"
)

// ErrMalformed is wrapped by every ParseError.
var ErrMalformed = errors.New("malformed packet")

// ParseError describes why a datagram could not be decoded.
type ParseError struct {
	Op     Opcode // opcode read from the datagram, zero if unreadable
	Reason string
}

func (e *ParseError) Error() string {
	if e.Op != 0 {
		return fmt.Sprintf("malformed %s packet: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("malformed packet: %s", e.Reason)
}

// Code is the ERROR code a peer should be sent for this failure.
func (e *ParseError) Code() ErrorCode { return ErrIllegalOperation }

func (e *ParseError) Unwrap() error { return ErrMalformed }

func parseErr(op Opcode, format string, args ...any) *ParseError {
	return &ParseError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// PeekOpcode returns the opcode of a raw datagram without validating the rest.
func PeekOpcode(b []byte) (Opcode, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return Opcode(binary.BigEndian.Uint16(b[0:2])), true
}

// Decode parses a datagram. The datagram length is authoritative: no packet
// kind describes its own length. Failures are *ParseError values.
func Decode(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, parseErr(0, "datagram of %d bytes has no opcode", len(b))
	}
	if b[0] != 0 {
		return nil, parseErr(0, "opcode high byte is %#02x", b[0])
	}

	op := Opcode(b[1])
	switch op {
	case OpRRQ, OpWRQ:
		return decodeRequest(op, b[2:])
	case OpData:
		return decodeData(b)
	case OpAck:
		return decodeAck(b)
	case OpError:
		return decodeError(b)
	default:
		return nil, parseErr(0, "unknown opcode %d", b[1])
	}
}

// SplitRequest splits the body of a request (everything after the opcode)
// into filename, mode and any bytes following the mode terminator.
func SplitRequest(body []byte) (filename, mode string, rest []byte, err error) {
	end := bytes.IndexByte(body, 0)
	if end < 0 {
		return "", "", nil, errors.New("filename is not NUL terminated")
	}
	filename = string(body[:end])
	body = body[end+1:]

	end = bytes.IndexByte(body, 0)
	if end < 0 {
		return "", "", nil, errors.New("mode is not NUL terminated")
	}
	return filename, string(body[:end]), body[end+1:], nil
}

func decodeRequest(op Opcode, body []byte) (Packet, error) {
	filename, mode, rest, err := SplitRequest(body)
	if err != nil {
		return nil, parseErr(op, "%v", err)
	}
	if len(rest) > 0 {
		return nil, parseErr(op, "%d trailing bytes after mode", len(rest))
	}
	return &Request{Op: op, Filename: filename, Mode: mode}, nil
}

func decodeData(b []byte) (Packet, error) {
	if len(b) < limits.HeaderSize {
		return nil, parseErr(OpData, "truncated header (%d bytes)", len(b))
	}
	payload := b[limits.HeaderSize:]
	if err := limits.ValidatePayload(payload); err != nil {
		return nil, parseErr(OpData, "%v", err)
	}

	d := &Data{
		Block:   binary.BigEndian.Uint16(b[2:4]),
		Payload: make([]byte, len(payload)),
	}
	copy(d.Payload, payload)
	return d, nil
}

func decodeAck(b []byte) (Packet, error) {
	if len(b) != limits.HeaderSize {
		return nil, parseErr(OpAck, "length %d, want %d", len(b), limits.HeaderSize)
	}
	return &Ack{Block: binary.BigEndian.Uint16(b[2:4])}, nil
}

func decodeError(b []byte) (Packet, error) {
	if len(b) < limits.HeaderSize+1 {
		return nil, parseErr(OpError, "truncated (%d bytes)", len(b))
	}
	msg := b[limits.HeaderSize:]
	end := bytes.IndexByte(msg, 0)
	if end < 0 {
		return nil, parseErr(OpError, "message is not NUL terminated")
	}
	return &Error{
		Code:    ErrorCode(binary.BigEndian.Uint16(b[2:4])),
		Message: string(msg[:end]),
	}, nil
}
