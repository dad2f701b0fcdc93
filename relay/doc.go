// Package relay implements the error simulator: a UDP relay between a TFTP
// client and server that injects faults on request.
//
// Faults are described by Directives queued on the relay's Queue. Each
// datagram arriving at the relay's well-known port starts a relay session
// with its own socket, and that session takes the whole queue. A directive
// selects one packet by kind and block or error number and is consumed by
// the first packet it matches:
//
//	d, err := relay.ParseDirective("ack 1 lose")
//	if err != nil {
//	    return err
//	}
//	r.Queue().Add(d)
//
// Delayed, duplicated and substitute-port sends run as independent timer
// tasks; the session keeps forwarding while they are pending.
package relay
