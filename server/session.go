package server

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/file"
	"github.com/opd-ai/tftpsim/limits"
	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/transfer"
	"github.com/opd-ai/tftpsim/transport"
)

// session is one accepted request. It owns its socket and file handle.
type session struct {
	id   uuid.UUID
	peer net.Addr
	dst  net.IP
	req  *packet.Request
	opts Options
}

func (ss *session) run(ctx context.Context, store file.Store, logger *logrus.Logger) {
	log := logger.WithFields(logrus.Fields{
		"session_id": ss.id.String(),
		"peer":       ss.peer.String(),
		"file":       ss.req.Filename,
		"request":    ss.req.Op.String(),
	})

	ep, err := transport.ListenEphemeral(ss.dst)
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "session.run",
			"error":    err.Error(),
		}).Error("Failed to open session socket")
		return
	}
	defer ep.Close()

	log = log.WithField("tid", ep.LocalAddr().String())
	log.WithField("function", "session.run").Info("Session started")

	h, code, err := ss.open(store)
	if err != nil {
		log.WithFields(logrus.Fields{
			"function":   "session.run",
			"error_code": uint16(code),
			"error":      err.Error(),
		}).Warn("Request rejected")
		ss.reject(ep, code, err.Error(), log)
		return
	}

	cfg := ss.opts.transferConfig(log)
	var res *transfer.Result
	switch ss.req.Op {
	case packet.OpRRQ:
		res, err = transfer.NewSender(ep, h, ss.peer, cfg).Run(ctx)
		if err != nil {
			_ = h.Abort()
		} else if ferr := h.Finalize(); ferr != nil {
			log.WithFields(logrus.Fields{
				"function": "session.run",
				"error":    ferr.Error(),
			}).Warn("Failed to close file")
		}
	case packet.OpWRQ:
		ack0, aerr := packet.Encode(&packet.Ack{Block: 0})
		if aerr != nil {
			_ = h.Abort()
			return
		}
		res, err = transfer.NewReceiver(ep, h, ss.peer, cfg).
			WithOpening(transfer.Opening{Packet: ack0, Addr: ss.peer}).
			Run(ctx)
	}

	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "session.run",
			"reason":   terminalReason(err),
			"error":    err.Error(),
		}).Error("Transfer failed")
		return
	}
	log.WithFields(logrus.Fields{
		"function": "session.run",
		"blocks":   res.Blocks,
		"bytes":    res.Bytes,
		"digest":   res.DigestHex(),
		"duration": res.Duration,
	}).Info("Session completed")
}

// open checks the request and opens its file. On failure it returns the
// ERROR code to answer with.
func (ss *session) open(store file.Store) (file.Handle, packet.ErrorCode, error) {
	if !strings.EqualFold(ss.req.Mode, packet.ModeOctet) {
		return nil, packet.ErrIllegalOperation, errors.New("unsupported transfer mode " + ss.req.Mode)
	}
	if err := limits.ValidateFileName(ss.req.Filename); err != nil {
		return nil, packet.ErrIllegalOperation, err
	}

	h, err := store.Open(ss.req.Filename, ss.req.Op == packet.OpRRQ, ss.opts.Overwrite)
	if err != nil {
		return nil, transfer.ErrorCodeFor(err), err
	}
	return h, 0, nil
}

func (ss *session) reject(ep *transport.UDPEndpoint, code packet.ErrorCode, msg string, log *logrus.Entry) {
	b, err := packet.Encode(packet.NewError(code, msg))
	if err == nil {
		err = ep.Send(b, ss.peer)
	}
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "session.reject",
			"error":    err.Error(),
		}).Warn("Failed to send ERROR")
	}
}

// terminalReason names the class of a failed transfer for the logs.
func terminalReason(err error) string {
	var peerErr *transfer.PeerError
	switch {
	case errors.Is(err, transfer.ErrTransferAbandoned):
		return "abandoned"
	case errors.As(err, &peerErr):
		return "peer_error"
	case errors.Is(err, transfer.ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "local_error"
	}
}
