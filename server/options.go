package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/transfer"
)

// DefaultListenAddr is the well-known TFTP request port.
const DefaultListenAddr = ":69"

// Options contains the configuration of a Server.
type Options struct {
	// ListenAddr is the request socket address.
	ListenAddr string

	// Timeout is the retransmission timeout of DATA packets and ACK 0.
	Timeout time.Duration
	// MaxRetries bounds retransmissions of one packet.
	MaxRetries int
	// SessionTimeout is how long an upload waits for the next DATA block.
	SessionTimeout time.Duration
	// Dally keeps upload sessions open after the final ACK.
	Dally time.Duration

	// Overwrite allows a WRQ to replace an existing file.
	Overwrite bool
	// Verbose enables per-packet debug logging.
	Verbose bool

	// Logger receives all server log lines. Nil gives the server its own
	// logger configured like the logrus standard logger.
	Logger *logrus.Logger
}

// NewOptions creates a default Options.
func NewOptions() *Options {
	return &Options{
		ListenAddr:     DefaultListenAddr,
		Timeout:        transfer.DefaultTimeout,
		MaxRetries:     transfer.DefaultMaxRetries,
		SessionTimeout: transfer.DefaultSessionTimeout,
	}
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if _, _, err := net.SplitHostPort(o.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", o.ListenAddr, err)
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

// logger returns Options.Logger, or a server-owned logger that starts from
// the standard logger's output, formatter and level. SetVerbose changes the
// level of this logger only.
func (o *Options) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	std := logrus.StandardLogger()
	l := logrus.New()
	l.SetOutput(std.Out)
	l.SetFormatter(std.Formatter)
	l.SetLevel(std.GetLevel())
	l.SetReportCaller(std.ReportCaller)
	return l
}
