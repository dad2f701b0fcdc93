// Package packet implements the TFTP wire codec.
//
// Five packet kinds share a two byte big-endian opcode prefix:
//
//	RRQ   | 00 01 | filename | 00 | mode | 00 |
//	WRQ   | 00 02 | filename | 00 | mode | 00 |
//	DATA  | 00 03 | block:u16 | payload (0..512) |
//	ACK   | 00 04 | block:u16 |
//	ERROR | 00 05 | code:u16 | message | 00 |
//
// Decode returns one of *Request, *Data, *Ack or *Error, or a *ParseError
// whose Code is ErrIllegalOperation:
//
//	p, err := packet.Decode(datagram)
//	var perr *packet.ParseError
//	if errors.As(err, &perr) {
//	    reply := packet.NewError(perr.Code(), perr.Error())
//	}
//
//	switch v := p.(type) {
//	case *packet.Data:
//	    // v.Block, v.Payload
//	case *packet.Ack:
//	    // v.Block
//	}
package packet
