package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/tftpsim/limits"
)

// ModeOctet is the only transfer mode this module speaks.
const ModeOctet = "octet"

// Packet is one decoded TFTP datagram. The concrete types are *Request,
// *Data, *Ack and *Error.
type Packet interface {
	// Opcode returns the packet's wire opcode.
	Opcode() Opcode

	// MarshalBinary encodes the packet in its wire layout.
	MarshalBinary() ([]byte, error)

	fmt.Stringer

	isPacket()
}

// Request is an RRQ or WRQ.
//
// Layout: opcode(2) filename 0 mode 0
type Request struct {
	Op       Opcode
	Filename string
	Mode     string
}

// NewReadRequest creates an RRQ in octet mode.
func NewReadRequest(filename string) *Request {
	return &Request{Op: OpRRQ, Filename: filename, Mode: ModeOctet}
}

// NewWriteRequest creates a WRQ in octet mode.
func NewWriteRequest(filename string) *Request {
	return &Request{Op: OpWRQ, Filename: filename, Mode: ModeOctet}
}

func (r *Request) Opcode() Opcode { return r.Op }

func (r *Request) MarshalBinary() ([]byte, error) {
	if r.Op != OpRRQ && r.Op != OpWRQ {
		return nil, fmt.Errorf("request opcode %s is not RRQ or WRQ", r.Op)
	}
	if err := limits.ValidateFileName(r.Filename); err != nil {
		return nil, fmt.Errorf("invalid filename: %w", err)
	}
	if err := limits.ValidateMode(r.Mode); err != nil {
		return nil, fmt.Errorf("invalid mode: %w", err)
	}

	return AppendRequest(nil, r.Op, r.Filename, r.Mode), nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s file=%q mode=%q", r.Op, r.Filename, r.Mode)
}

func (*Request) isPacket() {}

// AppendRequest appends the request layout to b without validating the
// fields. The error simulator uses it to build deliberately odd requests.
func AppendRequest(b []byte, op Opcode, filename, mode string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(op))
	b = append(b, filename...)
	b = append(b, 0)
	b = append(b, mode...)
	return append(b, 0)
}

// Data carries one block of file payload.
//
// Layout: opcode(2) block(2) payload(0..512)
type Data struct {
	Block   uint16
	Payload []byte
}

func (d *Data) Opcode() Opcode { return OpData }

func (d *Data) MarshalBinary() ([]byte, error) {
	if err := limits.ValidatePayload(d.Payload); err != nil {
		return nil, err
	}

	b := make([]byte, limits.HeaderSize+len(d.Payload))
	binary.BigEndian.PutUint16(b[0:2], uint16(OpData))
	binary.BigEndian.PutUint16(b[2:4], d.Block)
	copy(b[4:], d.Payload)
	return b, nil
}

// Final reports whether this is the last block of a transfer.
func (d *Data) Final() bool { return limits.IsFinalPayload(len(d.Payload)) }

func (d *Data) String() string {
	return fmt.Sprintf("DATA block=%d len=%d", d.Block, len(d.Payload))
}

func (*Data) isPacket() {}

// Ack acknowledges a block.
//
// Layout: opcode(2) block(2)
type Ack struct {
	Block uint16
}

func (a *Ack) Opcode() Opcode { return OpAck }

func (a *Ack) MarshalBinary() ([]byte, error) {
	b := make([]byte, limits.HeaderSize)
	binary.BigEndian.PutUint16(b[0:2], uint16(OpAck))
	binary.BigEndian.PutUint16(b[2:4], a.Block)
	return b, nil
}

func (a *Ack) String() string { return fmt.Sprintf("ACK block=%d", a.Block) }

func (*Ack) isPacket() {}

// Error aborts a transfer.
//
// Layout: opcode(2) errcode(2) message 0
//
// Code holds the raw wire number; Class maps it onto the known codes.
type Error struct {
	Code    ErrorCode
	Message string
}

// NewError creates an ERROR packet whose message defaults to the code's name.
func NewError(code ErrorCode, message string) *Error {
	if message == "" {
		message = code.String()
	}
	return &Error{Code: code, Message: message}
}

func (e *Error) Opcode() Opcode { return OpError }

func (e *Error) MarshalBinary() ([]byte, error) {
	if err := limits.ValidateName(e.Message, limits.BlockSize); err != nil && !errors.Is(err, limits.ErrNameEmpty) {
		return nil, fmt.Errorf("invalid error message: %w", err)
	}

	b := make([]byte, limits.HeaderSize, limits.HeaderSize+len(e.Message)+1)
	binary.BigEndian.PutUint16(b[0:2], uint16(OpError))
	binary.BigEndian.PutUint16(b[2:4], uint16(e.Code))
	b = append(b, e.Message...)
	return append(b, 0), nil
}

// Class returns the known error code for this packet.
func (e *Error) Class() ErrorCode { return ClassifyErrorCode(uint16(e.Code)) }

func (e *Error) String() string {
	return fmt.Sprintf("ERROR code=%d (%s) msg=%q", uint16(e.Code), e.Class(), e.Message)
}

func (*Error) isPacket() {}

// Encode serializes p. It is equivalent to p.MarshalBinary.
func Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.New("packet is nil")
	}
	return p.MarshalBinary()
}

// Number returns the block number of a DATA or ACK packet or the raw error
// number of an ERROR packet. Requests carry no number.
func Number(p Packet) (uint16, bool) {
	switch v := p.(type) {
	case *Data:
		return v.Block, true
	case *Ack:
		return v.Block, true
	case *Error:
		return uint16(v.Code), true
	default:
		return 0, false
	}
}
