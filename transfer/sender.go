package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/tftpsim/limits"
	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/transport"
)

// Sender drives the DATA side of a transfer: the server answering an RRQ or
// the client performing a PUT.
//
// Each block is sent, then the sender waits up to Config.Timeout for its ACK.
// A timeout resends the identical datagram until Config.MaxRetries is spent.
// ACKs for earlier blocks are ignored rather than answered, which prevents
// the Sorcerer's Apprentice duplicate-traffic cascade.
type Sender struct {
	link
	src     Source
	opening *Opening

	seq     uint32
	retries int
	result  Result
}

// NewSender creates a sender that reads from src and sends to the peer TID.
// The caller keeps ownership of src.
func NewSender(ch Channel, src Source, peer net.Addr, cfg Config) *Sender {
	return &Sender{
		link: newLink(ch, peer, cfg),
		src:  src,
		seq:  1,
	}
}

// NewInitiatingSender creates a sender that first sends opening (a WRQ) and
// takes the peer TID from the source of the ACK for block 0.
func NewInitiatingSender(ch Channel, src Source, opening Opening, cfg Config) *Sender {
	s := NewSender(ch, src, nil, cfg)
	s.opening = &opening
	return s
}

// Block returns the sequence number of the block currently in flight.
func (s *Sender) Block() uint32 { return s.seq }

// Retries returns the retransmission count of the block in flight.
func (s *Sender) Retries() int { return s.retries }

// Peer returns the established remote TID.
func (s *Sender) Peer() net.Addr { return s.peer }

// Run sends the whole source. It returns nil only after the final short
// block has been acknowledged.
func (s *Sender) Run(ctx context.Context) (*Result, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	if s.opening != nil {
		if err := s.handshake(ctx); err != nil {
			return nil, err
		}
	}
	if s.peer == nil {
		return nil, errors.New("sender has no peer transfer ID")
	}

	total := BlockCount(s.src.Size())
	s.log.WithFields(logrus.Fields{
		"function":     "Sender.Run",
		"peer":         s.peer.String(),
		"file_size":    s.src.Size(),
		"total_blocks": total,
	}).Info("Sending file")

	hash, _ := blake2b.New256(nil)
	for s.seq = 1; ; s.seq++ {
		chunk, err := s.src.ReadNextBlock(limits.BlockSize)
		if err != nil {
			s.sendError(ErrorCodeFor(err), err.Error(), s.peer)
			return nil, fmt.Errorf("read block %d: %w", s.seq, err)
		}

		data := &packet.Data{Block: wireBlock(s.seq), Payload: chunk}
		b, err := data.MarshalBinary()
		if err != nil {
			s.sendError(packet.ErrUndefined, "local read error", s.peer)
			return nil, fmt.Errorf("encode block %d: %w", s.seq, err)
		}

		if err := s.deliver(ctx, b); err != nil {
			return nil, err
		}

		hash.Write(chunk)
		s.result.Blocks++
		s.result.Bytes += int64(len(chunk))

		if data.Final() {
			break
		}
	}

	s.result.Peer = s.peer
	s.result.Duration = time.Since(start)
	s.result.Digest = hash.Sum(nil)

	s.log.WithFields(logrus.Fields{
		"function":    "Sender.Run",
		"peer":        s.peer.String(),
		"blocks":      s.result.Blocks,
		"bytes":       s.result.Bytes,
		"retransmits": s.result.Retransmits,
		"duration":    s.result.Duration,
		"digest":      s.result.DigestHex(),
	}).Info("File sent")

	result := s.result
	return &result, nil
}

// handshake sends the opening request and waits for ACK 0, retransmitting
// the request on timeout.
func (s *Sender) handshake(ctx context.Context) error {
	retries := 0
	for {
		if err := s.sendRaw(s.opening.Packet, s.opening.Addr); err != nil {
			return err
		}
		deadline := time.Now().Add(s.cfg.Timeout)

		for {
			data, from, err := s.receive(ctx, deadline)
			if errors.Is(err, transport.ErrTimeout) {
				break
			}
			if err != nil {
				return err
			}

			p, err := packet.Decode(data)
			if err != nil {
				return s.violation(from, nil, err)
			}
			switch v := p.(type) {
			case *packet.Ack:
				if v.Block == 0 {
					s.peer = from
					s.log.WithFields(logrus.Fields{
						"function": "Sender.handshake",
						"peer":     from.String(),
					}).Debug("Write request acknowledged")
					return nil
				}
			case *packet.Error:
				peerErr := newPeerError(v, from)
				s.log.WithFields(logrus.Fields{
					"function":   "Sender.handshake",
					"from":       from.String(),
					"error_code": uint16(v.Code),
					"message":    v.Message,
				}).Error("Request rejected")
				return peerErr
			}
			return s.violation(from, p, unexpected(p, "ACK block=0"))
		}

		if retries >= s.cfg.MaxRetries {
			s.log.WithFields(logrus.Fields{
				"function": "Sender.handshake",
				"retries":  retries,
			}).Error("No reply to request, abandoning transfer")
			return fmt.Errorf("%w: no reply to request after %d retries", ErrTransferAbandoned, retries)
		}
		retries++
		s.result.Retransmits++
		s.log.WithFields(logrus.Fields{
			"function": "Sender.handshake",
			"retry":    retries,
		}).Warn("Request timed out, retransmitting")
	}
}

// deliver sends one encoded DATA packet until its ACK arrives.
func (s *Sender) deliver(ctx context.Context, b []byte) error {
	s.retries = 0
	for {
		if err := s.sendRaw(b, s.peer); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"function": "Sender.deliver",
			"block":    s.seq,
			"size":     len(b) - limits.HeaderSize,
			"retry":    s.retries,
		}).Debug("Sent DATA")

		acked, err := s.awaitAck(ctx, time.Now().Add(s.cfg.Timeout))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return s.cancelled(err)
			}
			return err
		}
		if acked {
			return nil
		}

		if s.retries >= s.cfg.MaxRetries {
			s.log.WithFields(logrus.Fields{
				"function": "Sender.deliver",
				"block":    s.seq,
				"retries":  s.retries,
			}).Error("Retry budget exhausted, abandoning transfer")
			return fmt.Errorf("%w: block %d unacknowledged after %d retries", ErrTransferAbandoned, s.seq, s.retries)
		}
		s.retries++
		s.result.Retransmits++
		s.log.WithFields(logrus.Fields{
			"function": "Sender.deliver",
			"block":    s.seq,
			"retry":    s.retries,
		}).Warn("ACK timed out, retransmitting DATA")
	}
}

// awaitAck waits until deadline for the ACK of the block in flight. It
// returns false on timeout. Stray and stale packets do not extend the wait.
func (s *Sender) awaitAck(ctx context.Context, deadline time.Time) (bool, error) {
	for {
		data, from, err := s.receive(ctx, deadline)
		if errors.Is(err, transport.ErrTimeout) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if !transport.SameAddr(from, s.peer) {
			s.rejectUnknownTID(from)
			continue
		}

		p, err := packet.Decode(data)
		if err != nil {
			return false, s.violation(from, nil, err)
		}

		if ack, ok := p.(*packet.Ack); ok {
			if ack.Block == wireBlock(s.seq) {
				return true, nil
			}
			if earlier(ack.Block, s.seq, 0) {
				s.log.WithFields(logrus.Fields{
					"function":  "Sender.awaitAck",
					"ack_block": ack.Block,
					"block":     s.seq,
				}).Debug("Ignoring duplicate ACK")
				continue
			}
		}
		return false, s.violation(from, p, unexpected(p, fmt.Sprintf("ACK block=%d", wireBlock(s.seq))))
	}
}
