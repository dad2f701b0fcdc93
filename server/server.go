package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/file"
	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/transport"
)

// acceptPoll bounds one listener read so the accept loop notices shutdown.
const acceptPoll = 100 * time.Millisecond

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server answers RRQ and WRQ requests. Every accepted request runs as its own
// session on a private socket; the listening socket only accepts requests.
type Server struct {
	store file.Store
	log   *logrus.Logger

	mu       sync.RWMutex
	opts     Options
	listener *transport.Listener
	sessions map[string]*session
	closing  bool

	// sessCtx is cancelled when Shutdown gives up waiting for sessions.
	sessCtx context.Context
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// New creates a server serving files from store.
func New(opts *Options, store file.Store) (*Server, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server options: %w", err)
	}
	if store == nil {
		return nil, errors.New("file store is required")
	}

	s := &Server{
		store:    store,
		log:      opts.logger(),
		opts:     *opts,
		sessions: make(map[string]*session),
	}
	s.sessCtx, s.cancel = context.WithCancel(context.Background())
	if opts.Verbose {
		s.log.SetLevel(logrus.DebugLevel)
	}
	return s, nil
}

// Listen binds the request socket. Serve calls it when needed; calling it
// first lets the caller learn the bound address before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}
	l, err := transport.ListenRequests(s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen for requests: %w", err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound request address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts requests until ctx is done or Shutdown is called. Sessions
// still running when Serve returns are waited for by Shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()

	s.log.WithFields(logrus.Fields{
		"function":   "Serve",
		"local_addr": l.Addr().String(),
	}).Info("TFTP server accepting requests")

	for {
		select {
		case <-ctx.Done():
			_ = l.Close()
			return ctx.Err()
		default:
		}

		dg, err := l.Receive(acceptPoll)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if errors.Is(err, transport.ErrClosed) {
			return ErrServerClosed
		}
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Error reading request socket")
			continue
		}

		s.dispatch(l, dg)
	}
}

// dispatch validates one datagram from the request socket and starts a
// session for it.
func (s *Server) dispatch(l *transport.Listener, dg transport.Datagram) {
	p, err := packet.Decode(dg.Data)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     dg.Addr.String(),
			"error":    err.Error(),
		}).Warn("Malformed packet on request socket")
		s.rejectFromListener(l, dg.Addr, err.Error())
		return
	}

	req, ok := p.(*packet.Request)
	if !ok {
		s.log.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     dg.Addr.String(),
			"packet":   p.String(),
		}).Warn("Non-request packet on request socket")
		if _, isErr := p.(*packet.Error); !isErr {
			s.rejectFromListener(l, dg.Addr, "expected RRQ or WRQ")
		}
		return
	}

	key := dg.Addr.String()
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if _, busy := s.sessions[key]; busy {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     key,
			"request":  req.String(),
		}).Debug("Duplicate request for active transfer, dropping")
		return
	}
	sess := &session{
		id:   uuid.New(),
		peer: dg.Addr,
		dst:  dg.Dst,
		req:  req,
		opts: s.opts,
	}
	s.sessions[key] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.release(key)
		sess.run(s.sessCtx, s.store, s.log)
	}()
}

func (s *Server) rejectFromListener(l *transport.Listener, to net.Addr, reason string) {
	b, err := packet.Encode(packet.NewError(packet.ErrIllegalOperation, reason))
	if err != nil {
		return
	}
	if err := l.Send(b, to); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "rejectFromListener",
			"to":       to.String(),
			"error":    err.Error(),
		}).Warn("Failed to send ERROR from request socket")
	}
}

func (s *Server) release(key string) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

// ActiveSessions returns the number of transfers in progress.
func (s *Server) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetVerbose toggles debug logging. It sets the level of Options.Logger when
// one was given, so other users of that logger see the change too.
func (s *Server) SetVerbose(verbose bool) {
	s.mu.Lock()
	s.opts.Verbose = verbose
	s.mu.Unlock()

	if verbose {
		s.log.SetLevel(logrus.DebugLevel)
	} else {
		s.log.SetLevel(logrus.InfoLevel)
	}
}

// SetTimeout changes the retransmission timeout of sessions started later.
func (s *Server) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", d)
	}
	s.mu.Lock()
	s.opts.Timeout = d
	s.mu.Unlock()
	return nil
}

// SetOverwrite controls whether later WRQs may replace existing files.
func (s *Server) SetOverwrite(overwrite bool) {
	s.mu.Lock()
	s.opts.Overwrite = overwrite
	s.mu.Unlock()
}

// Shutdown stops accepting requests and waits for running sessions. When ctx
// ends first the remaining sessions are cancelled and ctx.Err is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	l := s.listener
	active := len(s.sessions)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function":        "Shutdown",
		"active_sessions": active,
	}).Info("Shutting down TFTP server")

	if l != nil {
		_ = l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
