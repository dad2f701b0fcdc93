// Package transfer implements the lock-step TFTP transfer engine shared by
// the server and the client.
//
// A transfer runs on one private socket between two transfer IDs (TIDs).
// The Sender moves a Source block by block, waiting for each block's ACK and
// retransmitting the identical datagram on timeout. The Receiver writes
// blocks to a Sink, acknowledges every block it gets (duplicates included)
// and finalizes the sink once the short final block has arrived.
//
// Block numbers are 16-bit on the wire and wrap from 65535 to 0, so files of
// any size can be moved. Datagrams from any address other than the
// established peer are answered with an UnknownTID ERROR and otherwise
// ignored.
//
// Failures surface as errors:
//
//   - ErrTransferAbandoned: the retry budget or session timeout ran out.
//   - ErrProtocolViolation: the peer sent something illegal for the state.
//   - *PeerError: the peer sent an ERROR packet.
package transfer
