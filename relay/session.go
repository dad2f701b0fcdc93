package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/limits"
	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/transport"
)

// session relays one client's transfer. Only its own goroutine touches the
// peer addresses and the directive list; deferred tasks only send.
type session struct {
	ep       *transport.UDPEndpoint
	client   net.Addr
	serverWK net.Addr
	server   net.Addr

	directives directiveList
	opts       Options
	log        *logrus.Entry
	tasks      sync.WaitGroup

	finalBlock *uint16
	finished   bool
}

func (s *session) run(ctx context.Context, first transport.Datagram) {
	defer func() {
		s.tasks.Wait()
		_ = s.ep.Close()
		s.log.WithFields(logrus.Fields{
			"function":          "session.run",
			"directives_left":   len(s.directives),
			"transfer_finished": s.finished,
		}).Info("Relay session closed")
	}()

	s.handle(first.Data, first.Addr)

	idle := time.Now().Add(s.opts.IdleTimeout)
	var lingerUntil time.Time
	for {
		if s.finished && lingerUntil.IsZero() {
			lingerUntil = time.Now().Add(s.opts.Linger)
		}
		now := time.Now()
		if ctx.Err() != nil || now.After(idle) || (!lingerUntil.IsZero() && now.After(lingerUntil)) {
			return
		}

		data, from, err := s.ep.Receive(pollInterval)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "session.run",
				"error":    err.Error(),
			}).Warn("Relay session socket failed")
			return
		}

		idle = time.Now().Add(s.opts.IdleTimeout)
		s.handle(data, from)
	}
}

// handle routes one datagram and applies the first matching directive.
func (s *session) handle(data []byte, from net.Addr) {
	fromClient := transport.SameAddr(from, s.client)
	fromServer := s.server != nil && transport.SameAddr(from, s.server)
	if !fromClient && s.server == nil {
		s.server = from
		fromServer = true
		s.log.WithFields(logrus.Fields{
			"function": "session.handle",
			"server":   from.String(),
		}).Debug("Server transfer ID learned")
	}

	if !fromClient && !fromServer {
		// Neither peer: forward toward the client without matching.
		s.log.WithFields(logrus.Fields{
			"function": "session.handle",
			"from":     from.String(),
			"packet":   describe(data),
		}).Warn("Anomalous packet from unknown source")
		s.forward(data, s.client)
		return
	}

	dest := s.client
	direction := "server->client"
	if fromClient {
		dest = s.serverWK
		if s.server != nil {
			dest = s.server
		}
		direction = "client->server"
	}
	log := s.log.WithFields(logrus.Fields{
		"direction": direction,
		"packet":    describe(data),
	})

	kind, number, ok := classify(data)
	if ok {
		if d, matched := s.directives.consume(kind, number); matched {
			s.apply(d, data, dest, log)
			return
		}
	}

	log.WithField("function", "session.handle").Debug("Forwarding packet")
	s.observe(data)
	s.forward(data, dest)
}

// apply performs a directive's action in place of a plain forward.
func (s *session) apply(d Directive, data []byte, dest net.Addr, log *logrus.Entry) {
	log = log.WithFields(logrus.Fields{
		"function":  "session.apply",
		"directive": d.String(),
	})

	switch d.Action {
	case ActionLose:
		log.Info("Dropped packet")

	case ActionDelay:
		log.Info("Delaying packet")
		s.observe(data)
		s.schedule(d.Delay, func() {
			s.forward(data, dest)
			log.Info("Forwarded delayed packet")
		})

	case ActionDuplicate:
		log.Info("Duplicating packet")
		s.observe(data)
		s.forward(data, dest)
		s.schedule(d.Delay, func() {
			s.forward(data, dest)
			log.Info("Forwarded duplicate packet")
		})

	case ActionContents:
		rewritten := d.Contents.Apply(data, log)
		log.WithFields(logrus.Fields{
			"original":  describe(data),
			"rewritten": describe(rewritten),
			"length":    len(rewritten),
		}).Info("Rewrote packet")
		s.observe(rewritten)
		s.forward(rewritten, dest)

	case ActionInvalidTID:
		log.Info("Sending packet from substitute transfer ID")
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			s.sendFromStranger(data, dest, log)
		}()
	}
}

// schedule runs fn after d without blocking the receive loop. The session
// waits for scheduled tasks before closing its socket.
func (s *session) schedule(d time.Duration, fn func()) {
	s.tasks.Add(1)
	time.AfterFunc(d, func() {
		defer s.tasks.Done()
		fn()
	})
}

func (s *session) forward(data []byte, dest net.Addr) {
	if err := s.ep.Send(data, dest); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "session.forward",
			"to":       dest.String(),
			"error":    err.Error(),
		}).Warn("Failed to forward packet")
	}
}

// sendFromStranger sends data from a fresh socket and logs the reply, which
// a conforming peer makes an UnknownTID ERROR.
func (s *session) sendFromStranger(data []byte, dest net.Addr, log *logrus.Entry) {
	ep, err := transport.ListenEphemeral(nil)
	if err != nil {
		log.WithField("error", err.Error()).Error("Failed to open substitute socket")
		return
	}
	defer ep.Close()

	if err := ep.Send(data, dest); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to send from substitute socket")
		return
	}

	reply, from, err := ep.Receive(s.opts.InvalidTIDWait)
	if err != nil {
		log.WithFields(logrus.Fields{
			"substitute_tid": ep.LocalAddr().String(),
			"error":          err.Error(),
		}).Warn("No reply to packet from substitute transfer ID")
		return
	}

	fields := logrus.Fields{
		"substitute_tid": ep.LocalAddr().String(),
		"from":           from.String(),
		"reply":          describe(reply),
	}
	if p, err := packet.Decode(reply); err == nil {
		if e, ok := p.(*packet.Error); ok && e.Code == packet.ErrUnknownTID {
			log.WithFields(fields).Info("Peer rejected substitute transfer ID")
			return
		}
	}
	log.WithFields(fields).Warn("Unexpected reply to packet from substitute transfer ID")
}

// observe tracks the end of the relayed transfer: an ERROR, or the ACK of
// the final short DATA block.
func (s *session) observe(data []byte) {
	kind, number, ok := classify(data)
	if !ok || len(data) < limits.HeaderSize {
		return
	}
	switch kind {
	case packet.KindError:
		s.finished = true
	case packet.KindData:
		if limits.IsFinalPayload(len(data) - limits.HeaderSize) {
			block := number
			s.finalBlock = &block
		}
	case packet.KindAck:
		if s.finalBlock != nil && *s.finalBlock == number {
			s.finished = true
		}
	}
}
