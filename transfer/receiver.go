package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/transport"
)

// Receiver drives the ACK side of a transfer: the server answering a WRQ or
// the client performing a GET.
//
// The receiver never retransmits on its own once data flows; lost ACKs are
// recovered when the sender retransmits and the receiver re-acknowledges the
// duplicate block without writing it again.
type Receiver struct {
	link
	sink    Sink
	opening *Opening

	seq    uint32
	result Result
	hash   hash.Hash
}

// NewReceiver creates a receiver writing to sink. A nil peer is taken from
// the source of the first DATA packet. The receiver finalizes sink on
// success and aborts it on failure.
func NewReceiver(ch Channel, sink Sink, peer net.Addr, cfg Config) *Receiver {
	h, _ := blake2b.New256(nil)
	return &Receiver{
		link: newLink(ch, peer, cfg),
		sink: sink,
		seq:  1,
		hash: h,
	}
}

// WithOpening makes the receiver send opening first and retransmit it every
// Config.Timeout until the first DATA packet arrives.
func (r *Receiver) WithOpening(opening Opening) *Receiver {
	r.opening = &opening
	return r
}

// Block returns the sequence number of the next expected block.
func (r *Receiver) Block() uint32 { return r.seq }

// Peer returns the established remote TID, nil before the first DATA.
func (r *Receiver) Peer() net.Addr { return r.peer }

// Run receives the whole file.
func (r *Receiver) Run(ctx context.Context) (*Result, error) {
	if err := r.cfg.Validate(); err != nil {
		_ = r.sink.Abort()
		return nil, err
	}

	res, err := r.run(ctx)
	if err != nil {
		if abortErr := r.sink.Abort(); abortErr != nil {
			r.log.WithFields(logrus.Fields{
				"function": "Receiver.Run",
				"error":    abortErr.Error(),
			}).Warn("Failed to abort sink")
		}
		return nil, err
	}
	return res, nil
}

func (r *Receiver) run(ctx context.Context) (*Result, error) {
	start := time.Now()
	openRetries := 0

	if r.opening != nil {
		if err := r.sendRaw(r.opening.Packet, r.opening.Addr); err != nil {
			return nil, err
		}
	}

	// deadline bounds the wait for the next block. Only packets from the
	// peer move it; strays from other ports do not.
	var deadline time.Time
	for {
		started := r.seq > 1
		wait := r.cfg.SessionTimeout
		if r.opening != nil && !started {
			wait = r.cfg.Timeout
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(wait)
		}

		data, from, err := r.receive(ctx, deadline)
		if errors.Is(err, transport.ErrTimeout) {
			if r.opening != nil && !started && openRetries < r.cfg.MaxRetries {
				openRetries++
				r.result.Retransmits++
				r.log.WithFields(logrus.Fields{
					"function": "Receiver.run",
					"retry":    openRetries,
				}).Warn("No DATA yet, retransmitting opening packet")
				if err := r.sendRaw(r.opening.Packet, r.opening.Addr); err != nil {
					return nil, err
				}
				deadline = time.Time{}
				continue
			}
			r.log.WithFields(logrus.Fields{
				"function": "Receiver.run",
				"block":    r.seq,
				"waited":   wait,
			}).Error("No DATA received, abandoning transfer")
			return nil, fmt.Errorf("%w: no DATA for block %d within %v", ErrTransferAbandoned, r.seq, wait)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, r.cancelled(err)
			}
			return nil, err
		}

		if r.peer != nil && !transport.SameAddr(from, r.peer) {
			r.rejectUnknownTID(from)
			continue
		}

		p, err := packet.Decode(data)
		if err != nil {
			return nil, r.violation(from, nil, err)
		}

		switch v := p.(type) {
		case *packet.Data:
			if r.peer == nil {
				r.peer = from
				r.log.WithFields(logrus.Fields{
					"function": "Receiver.run",
					"peer":     from.String(),
				}).Debug("Transfer ID established")
			}
			done, err := r.handleData(v)
			if err != nil {
				return nil, err
			}
			if done {
				r.dally(ctx, v.Block)
				return r.finish(start), nil
			}
			deadline = time.Time{}
			continue

		case *packet.Error:
			if !started && r.peer == nil {
				r.log.WithFields(logrus.Fields{
					"function":   "Receiver.run",
					"from":       from.String(),
					"error_code": uint16(v.Code),
					"message":    v.Message,
				}).Error("Request rejected")
				return nil, newPeerError(v, from)
			}
		}
		return nil, r.violation(from, p, unexpected(p, fmt.Sprintf("DATA block=%d", wireBlock(r.seq))))
	}
}

// handleData processes a DATA packet from the peer. It reports whether the
// final block has been written and acknowledged.
func (r *Receiver) handleData(d *packet.Data) (bool, error) {
	if d.Block != wireBlock(r.seq) {
		if earlier(d.Block, r.seq, 1) {
			r.log.WithFields(logrus.Fields{
				"function":   "Receiver.handleData",
				"data_block": d.Block,
				"block":      r.seq,
			}).Debug("Duplicate DATA, re-acknowledging")
			_, err := r.send(&packet.Ack{Block: d.Block}, r.peer)
			return false, err
		}
		return false, r.violation(r.peer, d, unexpected(d, fmt.Sprintf("DATA block=%d", wireBlock(r.seq))))
	}

	if err := r.sink.WriteBlock(d.Payload); err != nil {
		r.log.WithFields(logrus.Fields{
			"function": "Receiver.handleData",
			"block":    r.seq,
			"error":    err.Error(),
		}).Error("Failed to write block")
		r.sendError(ErrorCodeFor(err), err.Error(), r.peer)
		return false, fmt.Errorf("write block %d: %w", r.seq, err)
	}
	r.hash.Write(d.Payload)
	r.result.Blocks++
	r.result.Bytes += int64(len(d.Payload))

	final := d.Final()
	if final {
		if err := r.sink.Finalize(); err != nil {
			r.sendError(ErrorCodeFor(err), err.Error(), r.peer)
			return false, fmt.Errorf("finalize: %w", err)
		}
	}

	if _, err := r.send(&packet.Ack{Block: d.Block}, r.peer); err != nil {
		return false, err
	}
	if !final {
		r.seq++
	}
	return final, nil
}

// dally re-acknowledges retransmissions of the final block for Config.Dally.
func (r *Receiver) dally(ctx context.Context, block uint16) {
	if r.cfg.Dally <= 0 {
		return
	}
	deadline := time.Now().Add(r.cfg.Dally)
	for {
		data, from, err := r.receive(ctx, deadline)
		if err != nil {
			return
		}
		if !transport.SameAddr(from, r.peer) {
			r.rejectUnknownTID(from)
			continue
		}
		if p, err := packet.Decode(data); err == nil {
			if d, ok := p.(*packet.Data); ok && d.Block == block {
				_, _ = r.send(&packet.Ack{Block: block}, r.peer)
			}
		}
	}
}

func (r *Receiver) finish(start time.Time) *Result {
	r.result.Peer = r.peer
	r.result.Duration = time.Since(start)
	r.result.Digest = r.hash.Sum(nil)

	r.log.WithFields(logrus.Fields{
		"function":    "Receiver.run",
		"peer":        r.peer.String(),
		"blocks":      r.result.Blocks,
		"bytes":       r.result.Bytes,
		"retransmits": r.result.Retransmits,
		"duration":    r.result.Duration,
		"digest":      r.result.DigestHex(),
	}).Info("File received")

	result := r.result
	return &result
}
