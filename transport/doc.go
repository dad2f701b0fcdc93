// Package transport provides the UDP sockets used by TFTP sessions.
//
// Two socket roles exist:
//
//   - UDPEndpoint: a private per-session socket whose port is one half of the
//     transfer identifier (TID). Receive is bounded by a timeout so the
//     transfer engine can retransmit or abandon.
//
//   - Listener: the well-known request socket of the server or the error
//     simulator. It captures the destination address of each request through
//     golang.org/x/net/ipv4 so sessions reply from the interface the request
//     reached.
//
// Example:
//
//	ep, err := transport.ListenEphemeral(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ep.Close()
//
//	if err := ep.Send(datagram, peer); err != nil {
//	    return err
//	}
//	reply, from, err := ep.Receive(time.Second)
//	if errors.Is(err, transport.ErrTimeout) {
//	    // retransmit
//	}
//	if !transport.SameAddr(from, peer) {
//	    // wrong TID
//	}
package transport
