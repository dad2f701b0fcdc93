// Package limits provides centralized size limits for the TFTP wire protocol.
// This ensures consistent validation across the codec, the transfer engine and
// the error simulator.
package limits

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// BlockSize is the fixed number of payload bytes carried by a full DATA
	// packet. A shorter payload terminates a transfer.
	BlockSize = 512

	// HeaderSize is the opcode plus the block or error number of DATA, ACK and
	// ERROR packets.
	HeaderSize = 4

	// MaxDatagram is the largest well-formed TFTP datagram (a full DATA packet).
	MaxDatagram = HeaderSize + BlockSize

	// ReceiveBuffer is the buffer used for socket reads. It is larger than
	// MaxDatagram so oversized datagrams are seen whole and rejected by the
	// codec instead of being silently truncated by the kernel.
	ReceiveBuffer = 65536

	// MaxFileNameLength is the maximum allowed file name length in bytes.
	// The value (255) matches typical filesystem limits.
	MaxFileNameLength = 255

	// MaxModeLength bounds the transfer mode string of a request.
	MaxModeLength = 32
)

var (
	// ErrNameEmpty indicates an empty file name or mode was provided
	ErrNameEmpty = errors.New("empty name")

	// ErrNameTooLong indicates a file name or mode exceeds its maximum length
	ErrNameTooLong = errors.New("name too long")

	// ErrNameInvalid indicates a name contains a NUL byte and cannot be
	// carried in a request packet
	ErrNameInvalid = errors.New("name contains NUL byte")

	// ErrPayloadTooLarge indicates a DATA payload exceeds BlockSize
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidateName validates a NUL-terminated request field against maxLen.
// Returns an error with context including the actual and maximum sizes.
func ValidateName(name string, maxLen int) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > maxLen {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrNameTooLong, len(name), maxLen)
	}
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return ErrNameInvalid
	}
	return nil
}

// ValidateFileName validates a request file name against MaxFileNameLength.
func ValidateFileName(name string) error {
	return ValidateName(name, MaxFileNameLength)
}

// ValidateMode validates a request transfer mode against MaxModeLength.
func ValidateMode(mode string) error {
	return ValidateName(mode, MaxModeLength)
}

// ValidatePayload validates a DATA payload against BlockSize. Empty payloads
// are valid: they terminate transfers whose size is a multiple of BlockSize.
func ValidatePayload(payload []byte) error {
	if len(payload) > BlockSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), BlockSize)
	}
	return nil
}

// IsFinalPayload reports whether a DATA payload of length n ends a transfer.
func IsFinalPayload(n int) bool {
	return n < BlockSize
}
