// Package cli holds the pieces shared by the command line entry points:
// logger setup, signal handling and terminal rendering.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/relay"
	"github.com/opd-ai/tftpsim/transfer"
)

// NewLogger creates a logger with the given level and format ("text" or
// "json") writing to out.
func NewLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q: want text or json", format)
	}
	return logger, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Fatal prints err and exits with status 1.
func Fatal(format string, args ...any) {
	pterm.Error.Println(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// byteUnits are the units FormatBytes scales through.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// FormatBytes renders a byte count in binary units, e.g. "1.5 KiB".
func FormatBytes(n int64) string {
	v := float64(n)
	unit := 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f %s", v, byteUnits[unit])
}

// ResultTable renders a transfer summary.
func ResultTable(op, remote, local string, res *transfer.Result) string {
	rate := "-"
	if secs := res.Duration.Seconds(); secs > 0 {
		rate = FormatBytes(int64(float64(res.Bytes)/secs)) + "/s"
	}
	data := pterm.TableData{
		{"Operation", op},
		{"Remote file", remote},
		{"Local file", local},
		{"Peer", fmt.Sprint(res.Peer)},
		{"Size", FormatBytes(res.Bytes)},
		{"Blocks", fmt.Sprint(res.Blocks)},
		{"Retransmits", fmt.Sprint(res.Retransmits)},
		{"Duration", res.Duration.Round(time.Millisecond).String()},
		{"Rate", rate},
		{"BLAKE2b-256", res.DigestHex()},
	}
	out, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		return err.Error()
	}
	return out
}

// DirectiveTable renders the directives pending for the next relay session.
func DirectiveTable(directives []relay.Directive) string {
	if len(directives) == 0 {
		return "no directives pending"
	}
	data := pterm.TableData{{"#", "Packet", "Number", "Action", "Parameters"}}
	for i, d := range directives {
		number := "any"
		if d.Kind != packet.KindRequest {
			number = fmt.Sprint(d.Number)
		}
		params := ""
		switch d.Action {
		case relay.ActionDelay, relay.ActionDuplicate:
			params = d.Delay.String()
		case relay.ActionContents:
			params = d.Contents.String()
		}
		data = append(data, []string{fmt.Sprint(i + 1), d.Kind.String(), number, d.Action.String(), params})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err.Error()
	}
	return out
}
