package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/transport"
)

const (
	// DefaultListenAddr is the error simulator's well-known port.
	DefaultListenAddr = ":23"
	// DefaultServerAddr is the server request address traffic is relayed to.
	DefaultServerAddr = "127.0.0.1:69"
	// DefaultIdleTimeout ends a relay session after this long without traffic.
	DefaultIdleTimeout = 15 * time.Second
	// DefaultLinger keeps a finished session open for late retransmissions.
	DefaultLinger = 2 * time.Second
	// DefaultInvalidTIDWait bounds the wait for the reply to a packet sent
	// from a substitute port.
	DefaultInvalidTIDWait = 2 * time.Second

	pollInterval = 100 * time.Millisecond
)

// ErrRelayClosed is returned by Serve after Shutdown.
var ErrRelayClosed = errors.New("relay closed")

// Options contains the configuration of a Relay.
type Options struct {
	ListenAddr     string
	ServerAddr     string
	IdleTimeout    time.Duration
	Linger         time.Duration
	InvalidTIDWait time.Duration

	// Logger receives all relay log lines. Nil uses the logrus standard
	// logger.
	Logger *logrus.Logger
}

// NewOptions creates a default Options.
func NewOptions() *Options {
	return &Options{
		ListenAddr:     DefaultListenAddr,
		ServerAddr:     DefaultServerAddr,
		IdleTimeout:    DefaultIdleTimeout,
		Linger:         DefaultLinger,
		InvalidTIDWait: DefaultInvalidTIDWait,
	}
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if o.ServerAddr == "" {
		return errors.New("server address is required")
	}
	if o.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", o.IdleTimeout)
	}
	if o.Linger < 0 {
		return fmt.Errorf("linger cannot be negative, got %v", o.Linger)
	}
	if o.InvalidTIDWait <= 0 {
		return fmt.Errorf("invalid TID wait must be positive, got %v", o.InvalidTIDWait)
	}
	return nil
}

// Relay is the error simulator. It forwards every client session to the
// server and applies the directives queued for that session.
type Relay struct {
	opts   Options
	server *net.UDPAddr
	queue  *Queue
	log    *logrus.Logger

	mu       sync.Mutex
	listener *transport.Listener
	active   int
	closing  bool

	sessCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a relay.
func New(opts *Options) (*Relay, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay options: %w", err)
	}
	server, err := net.ResolveUDPAddr("udp", opts.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve server address: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Relay{
		opts:   *opts,
		server: server,
		queue:  &Queue{},
		log:    log,
	}
	r.sessCtx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Queue returns the control-plane queue. Directives added to it apply to the
// next session the relay starts.
func (r *Relay) Queue() *Queue {
	return r.queue
}

// Listen binds the relay's well-known socket.
func (r *Relay) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return ErrRelayClosed
	}
	if r.listener != nil {
		return nil
	}
	l, err := transport.ListenRequests(r.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen for clients: %w", err)
	}
	r.listener = l
	return nil
}

// Addr returns the bound relay address, nil before Listen.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// ActiveSessions returns the number of running relay sessions.
func (r *Relay) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Serve relays client sessions until ctx is done or Shutdown is called.
// Every datagram on the well-known socket starts a new session.
func (r *Relay) Serve(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"function":    "Serve",
		"local_addr":  l.Addr().String(),
		"server_addr": r.server.String(),
	}).Info("Error simulator relaying")

	for {
		select {
		case <-ctx.Done():
			_ = l.Close()
			return ctx.Err()
		default:
		}

		dg, err := l.Receive(pollInterval)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if errors.Is(err, transport.ErrClosed) {
			return ErrRelayClosed
		}
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Error reading relay socket")
			continue
		}

		r.spawn(dg)
	}
}

func (r *Relay) spawn(dg transport.Datagram) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.active++
	r.wg.Add(1)
	r.mu.Unlock()

	directives := r.queue.Take()
	id := uuid.New()
	log := r.log.WithFields(logrus.Fields{
		"session_id": id.String(),
		"client":     dg.Addr.String(),
	})

	ep, err := transport.ListenEphemeral(nil)
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "spawn",
			"error":    err.Error(),
		}).Error("Failed to open relay session socket")
		r.done()
		return
	}

	s := &session{
		ep:         ep,
		client:     dg.Addr,
		serverWK:   r.server,
		directives: directiveList(directives),
		opts:       r.opts,
		log:        log.WithField("relay_tid", ep.LocalAddr().String()),
	}
	s.log.WithFields(logrus.Fields{
		"function":   "spawn",
		"directives": len(directives),
	}).Info("Relay session started")

	go func() {
		defer r.done()
		s.run(r.sessCtx, dg)
	}()
}

func (r *Relay) done() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	r.wg.Done()
}

// Shutdown stops accepting sessions and waits for running ones. When ctx
// ends first the remaining sessions are stopped and ctx.Err is returned.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	l := r.listener
	r.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
