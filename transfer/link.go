package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/transport"
)

// link is the state shared by both roles: the channel, the peer TID and the
// logger of one session.
type link struct {
	ch   Channel
	cfg  Config
	log  *logrus.Entry
	peer net.Addr
}

func newLink(ch Channel, peer net.Addr, cfg Config) link {
	return link{ch: ch, cfg: cfg, log: cfg.logger(), peer: peer}
}

// send encodes and sends p to addr.
func (l *link) send(p packet.Packet, addr net.Addr) ([]byte, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p, err)
	}
	if err := l.sendRaw(b, addr); err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{
		"function": "send",
		"to":       addr.String(),
		"packet":   p.String(),
	}).Debug("Sent packet")
	return b, nil
}

func (l *link) sendRaw(b []byte, addr net.Addr) error {
	if err := l.ch.Send(b, addr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// sendError sends an ERROR packet, logging rather than returning failures:
// the session is terminating or continuing regardless of delivery.
func (l *link) sendError(code packet.ErrorCode, message string, addr net.Addr) {
	if addr == nil {
		return
	}
	p := packet.NewError(code, message)
	if _, err := l.send(p, addr); err != nil {
		l.log.WithFields(logrus.Fields{
			"function": "sendError",
			"to":       addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send ERROR packet")
		return
	}
	l.log.WithFields(logrus.Fields{
		"function":   "sendError",
		"to":         addr.String(),
		"error_code": uint16(code),
		"message":    p.Message,
	}).Info("Sent ERROR packet")
}

// rejectUnknownTID answers a packet from a foreign source port. The main
// exchange is not affected.
func (l *link) rejectUnknownTID(from net.Addr) {
	l.log.WithFields(logrus.Fields{
		"function": "rejectUnknownTID",
		"from":     from.String(),
		"peer":     l.peer.String(),
	}).Warn("Packet from unknown transfer ID")
	l.sendError(packet.ErrUnknownTID, "unknown transfer ID", from)
}

// receive waits for a datagram until deadline. It polls in short slices so a
// cancelled ctx is noticed; an expired deadline returns transport.ErrTimeout.
func (l *link) receive(ctx context.Context, deadline time.Time) ([]byte, net.Addr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, transport.ErrTimeout
		}
		data, from, err := l.ch.Receive(min(remaining, pollInterval))
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		return data, from, err
	}
}

// violation ends the session after an unexpected packet. The peer is told
// with an IllegalOperation ERROR unless it sent an ERROR itself.
func (l *link) violation(from net.Addr, p packet.Packet, cause error) error {
	if perr, ok := p.(*packet.Error); ok {
		peerErr := newPeerError(perr, from)
		l.log.WithFields(logrus.Fields{
			"function":   "violation",
			"from":       from.String(),
			"error_code": uint16(perr.Code),
			"message":    perr.Message,
		}).Error("Peer aborted transfer")
		return fmt.Errorf("%w: %w", ErrProtocolViolation, peerErr)
	}

	l.log.WithFields(logrus.Fields{
		"function": "violation",
		"from":     from.String(),
		"reason":   cause.Error(),
	}).Error("Protocol violation")
	l.sendError(packet.ErrIllegalOperation, cause.Error(), from)
	return fmt.Errorf("%w: %w", ErrProtocolViolation, cause)
}

// cancelled notifies the peer, if known, that the transfer stopped locally.
func (l *link) cancelled(err error) error {
	l.sendError(packet.ErrUndefined, "transfer cancelled", l.peer)
	return err
}

// unexpected describes a packet that does not fit the current state.
func unexpected(p packet.Packet, want string) error {
	return fmt.Errorf("unexpected %s, want %s", p, want)
}
