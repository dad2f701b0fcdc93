// Package limits provides centralized size constants and validation functions
// for the TFTP wire protocol.
//
// # Size Hierarchy
//
//   - BlockSize (512 bytes): the payload of a full DATA packet. Any shorter
//     payload, including an empty one, is the final block of a transfer.
//
//   - MaxDatagram (516 bytes): BlockSize plus the 4 byte DATA header.
//
//   - ReceiveBuffer (64KiB): the socket read buffer. Oversized datagrams are
//     read whole so the codec can reject them.
//
// # Validation Functions
//
//	if err := limits.ValidateFileName(name); err != nil {
//	    // ErrNameEmpty, ErrNameTooLong or ErrNameInvalid
//	}
//
//	if err := limits.ValidatePayload(chunk); err != nil {
//	    // ErrPayloadTooLarge
//	}
//
// All errors wrap the package sentinels and can be checked with errors.Is.
package limits
