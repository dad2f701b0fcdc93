package packet

import "fmt"

// Opcode identifies the kind of a TFTP packet. It is the first two bytes of
// every datagram.
type Opcode uint16

const (
	// OpRRQ is a read request.
	OpRRQ Opcode = iota + 1
	// OpWRQ is a write request.
	OpWRQ
	// OpData carries one block of file payload.
	OpData
	// OpAck acknowledges one DATA block, or a WRQ with block 0.
	OpAck
	// OpError aborts a transfer or reports an unknown TID.
	OpError
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("OPCODE(%d)", uint16(o))
	}
}

// Valid reports whether o is one of the five defined opcodes.
func (o Opcode) Valid() bool {
	return o >= OpRRQ && o <= OpError
}

// ErrorCode is the error number carried by an ERROR packet.
type ErrorCode uint16

const (
	// ErrUndefined is "not defined, see error message".
	ErrUndefined ErrorCode = iota
	// ErrFileNotFound reports a missing file on RRQ.
	ErrFileNotFound
	// ErrAccessViolation reports a permission or path problem.
	ErrAccessViolation
	// ErrDiskFull reports that the destination cannot store more data.
	ErrDiskFull
	// ErrIllegalOperation reports a malformed or unexpected packet.
	ErrIllegalOperation
	// ErrUnknownTID reports a packet from a port that is not part of the session.
	ErrUnknownTID
	// ErrFileExists reports a WRQ for an existing file when overwriting is off.
	ErrFileExists
)

var errorCodeNames = map[ErrorCode]string{
	ErrUndefined:        "undefined",
	ErrFileNotFound:     "file not found",
	ErrAccessViolation:  "access violation",
	ErrDiskFull:         "disk full",
	ErrIllegalOperation: "illegal operation",
	ErrUnknownTID:       "unknown transfer ID",
	ErrFileExists:       "file already exists",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", uint16(c))
}

// ClassifyErrorCode maps a raw wire error number onto the known codes.
// Unmapped numbers classify as ErrUndefined.
func ClassifyErrorCode(raw uint16) ErrorCode {
	if _, ok := errorCodeNames[ErrorCode(raw)]; ok {
		return ErrorCode(raw)
	}
	return ErrUndefined
}

// Kind is the coarse classification used when matching packets: RRQ and WRQ
// are both requests.
type Kind uint8

const (
	// KindRequest covers RRQ and WRQ.
	KindRequest Kind = iota + 1
	// KindData covers DATA.
	KindData
	// KindAck covers ACK.
	KindAck
	// KindError covers ERROR.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// KindOf returns the kind for an opcode and whether the opcode is defined.
func KindOf(op Opcode) (Kind, bool) {
	switch op {
	case OpRRQ, OpWRQ:
		return KindRequest, true
	case OpData:
		return KindData, true
	case OpAck:
		return KindAck, true
	case OpError:
		return KindError, true
	default:
		return 0, false
	}
}
