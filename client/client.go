package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/file"
	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/transfer"
	"github.com/opd-ai/tftpsim/transport"
)

// Options contains the configuration of a Client.
type Options struct {
	// ServerAddr is the request address of the server, or of a relay in
	// front of it.
	ServerAddr string

	Timeout        time.Duration
	MaxRetries     int
	SessionTimeout time.Duration
	Dally          time.Duration

	// Overwrite allows Get to replace an existing local file.
	Overwrite bool

	// Logger receives all client log lines. Nil uses the logrus standard
	// logger.
	Logger *logrus.Logger
}

// NewOptions creates a default Options targeting a local server.
func NewOptions() *Options {
	return &Options{
		ServerAddr:     "127.0.0.1:69",
		Timeout:        transfer.DefaultTimeout,
		MaxRetries:     transfer.DefaultMaxRetries,
		SessionTimeout: transfer.DefaultSessionTimeout,
	}
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.ServerAddr == "" {
		return errors.New("server address is required")
	}
	return o.transferConfig(nil).Validate()
}

func (o *Options) transferConfig(log *logrus.Entry) transfer.Config {
	return transfer.Config{
		Timeout:        o.Timeout,
		MaxRetries:     o.MaxRetries,
		SessionTimeout: o.SessionTimeout,
		Dally:          o.Dally,
		Log:            log,
	}
}

// Client performs GET and PUT transfers against one server address.
type Client struct {
	opts   Options
	server *net.UDPAddr
	log    *logrus.Logger
}

// New creates a client. The server address is resolved once.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client options: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", opts.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve server address: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{opts: *opts, server: addr, log: log}, nil
}

// Get downloads remote into the local file path. The local file only
// appears once the whole transfer has succeeded.
func (c *Client) Get(ctx context.Context, remote, local string) (*transfer.Result, error) {
	rrq, err := packet.Encode(packet.NewReadRequest(remote))
	if err != nil {
		return nil, fmt.Errorf("build RRQ: %w", err)
	}

	h, err := localStore(local).Open(filepath.Base(local), false, c.opts.Overwrite)
	if err != nil {
		return nil, fmt.Errorf("open local file: %w", err)
	}

	ep, log, err := c.session("GET", remote, local)
	if err != nil {
		_ = h.Abort()
		return nil, err
	}
	defer ep.Close()

	res, err := transfer.NewReceiver(ep, h, nil, c.opts.transferConfig(log)).
		WithOpening(transfer.Opening{Packet: rrq, Addr: c.server}).
		Run(ctx)
	return c.finish(log, res, err)
}

// Put uploads the local file path as remote.
func (c *Client) Put(ctx context.Context, local, remote string) (*transfer.Result, error) {
	wrq, err := packet.Encode(packet.NewWriteRequest(remote))
	if err != nil {
		return nil, fmt.Errorf("build WRQ: %w", err)
	}

	h, err := localStore(local).Open(filepath.Base(local), true, false)
	if err != nil {
		return nil, fmt.Errorf("open local file: %w", err)
	}

	ep, log, err := c.session("PUT", remote, local)
	if err != nil {
		_ = h.Abort()
		return nil, err
	}
	defer ep.Close()

	res, err := transfer.NewInitiatingSender(ep, h, transfer.Opening{Packet: wrq, Addr: c.server}, c.opts.transferConfig(log)).
		Run(ctx)
	if err != nil {
		_ = h.Abort()
	} else if ferr := h.Finalize(); ferr != nil {
		log.WithFields(logrus.Fields{
			"function": "Client.Put",
			"error":    ferr.Error(),
		}).Warn("Failed to close local file")
	}
	return c.finish(log, res, err)
}

// session opens the transfer socket and its logger.
func (c *Client) session(op, remote, local string) (*transport.UDPEndpoint, *logrus.Entry, error) {
	ep, err := transport.ListenEphemeral(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open transfer socket: %w", err)
	}
	log := c.log.WithFields(logrus.Fields{
		"session_id": uuid.NewString(),
		"operation":  op,
		"server":     c.server.String(),
		"file":       remote,
		"local_file": local,
		"tid":        ep.LocalAddr().String(),
	})
	log.WithField("function", "Client.session").Info("Transfer started")
	return ep, log, nil
}

func (c *Client) finish(log *logrus.Entry, res *transfer.Result, err error) (*transfer.Result, error) {
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "Client.finish",
			"error":    err.Error(),
		}).Error("Transfer failed")
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"function":    "Client.finish",
		"blocks":      res.Blocks,
		"bytes":       res.Bytes,
		"retransmits": res.Retransmits,
		"duration":    res.Duration,
		"digest":      res.DigestHex(),
	}).Info("Transfer completed")
	return res, nil
}

// localStore serves the directory of a local path, so the file handle keeps
// the store's temp-file-and-rename write semantics.
func localStore(path string) *file.DiskStore {
	return file.NewDiskStore(filepath.Dir(path))
}
