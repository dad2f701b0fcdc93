package transfer

import (
	"encoding/hex"
	"net"
	"time"

	"github.com/opd-ai/tftpsim/limits"
)

// BlockCount returns the number of DATA packets needed for a file of size
// bytes: ceil(size/512), plus one empty terminating block when size is a
// multiple of 512 (including zero), so the last payload is always shorter
// than a full block.
func BlockCount(size int64) uint32 {
	if size < 0 {
		size = 0
	}
	return uint32(size/limits.BlockSize) + 1
}

// wireBlock is the 16-bit block number of sequence number seq. Block numbers
// wrap from 65535 to 0.
func wireBlock(seq uint32) uint16 {
	return uint16(seq)
}

// earlier reports whether the wire block got names a block that precedes
// sequence number seq, looking back at most half the 16-bit space and never
// before sequence number floor.
func earlier(got uint16, seq, floor uint32) bool {
	back := uint32(wireBlock(seq) - got)
	return back >= 1 && back < 1<<15 && back <= seq-floor
}

// Result summarizes a completed transfer.
type Result struct {
	// Peer is the remote TID the transfer ran against.
	Peer net.Addr
	// Blocks is the number of distinct DATA blocks moved.
	Blocks uint32
	// Bytes is the payload size moved.
	Bytes int64
	// Retransmits counts packets sent again after a timeout.
	Retransmits int
	// Duration is the wall time of the transfer.
	Duration time.Duration
	// Digest is the BLAKE2b-256 digest of the payload.
	Digest []byte
}

// DigestHex returns Digest as a hex string.
func (r *Result) DigestHex() string {
	return hex.EncodeToString(r.Digest)
}
