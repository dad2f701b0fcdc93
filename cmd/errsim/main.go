// Package main provides the TFTP error simulator.
//
// The simulator relays TFTP sessions between clients and a server and
// injects the faults given with -d. Further directives can be fed one per
// line on standard input with -stdin; each applies to the next session.
//
// Example: lose the first ACK for block 1 and delay DATA 3 by 2 seconds.
//
//	errsim -server 127.0.0.1:69 -d "ack 1 lose" -d "data 3 delay 2s"
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/opd-ai/tftpsim/internal/cli"
	"github.com/opd-ai/tftpsim/relay"
)

// directiveFlags collects repeated -d flags.
type directiveFlags []string

func (d *directiveFlags) String() string { return strings.Join(*d, "; ") }

func (d *directiveFlags) Set(v string) error {
	*d = append(*d, v)
	return nil
}

// CLI configuration
type CLIConfig struct {
	listenAddr      string
	serverAddr      string
	idleTimeout     time.Duration
	linger          time.Duration
	invalidTIDWait  time.Duration
	shutdownTimeout time.Duration
	directives      directiveFlags
	stdin           bool
	logLevel        string
	logFormat       string
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	flag.StringVar(&config.listenAddr, "listen", relay.DefaultListenAddr, "Address clients send requests to")
	flag.StringVar(&config.serverAddr, "server", relay.DefaultServerAddr, "Server request address")
	flag.DurationVar(&config.idleTimeout, "idle-timeout", relay.DefaultIdleTimeout, "End a relay session after this long without traffic")
	flag.DurationVar(&config.linger, "linger", relay.DefaultLinger, "Keep a finished session open for late packets")
	flag.DurationVar(&config.invalidTIDWait, "invalid-tid-wait", relay.DefaultInvalidTIDWait, "Wait for the reply to a substitute-port packet")
	flag.DurationVar(&config.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Wait for running sessions on shutdown")
	flag.Var(&config.directives, "d", "Directive for the first session, repeatable (e.g. \"data 1 lose\")")
	flag.BoolVar(&config.stdin, "stdin", false, "Read further directives from standard input")
	flag.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&config.logFormat, "log-format", "text", "Log format (text, json)")

	flag.Parse()
	return config
}

// validateCLIConfig validates the CLI configuration and parses directives.
func validateCLIConfig(config *CLIConfig) ([]relay.Directive, error) {
	if config.shutdownTimeout <= 0 {
		return nil, fmt.Errorf("shutdown timeout must be positive")
	}
	var out []relay.Directive
	for _, s := range config.directives {
		d, err := relay.ParseDirective(s)
		if err != nil {
			return nil, fmt.Errorf("directive %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// readDirectives queues directives typed on standard input until ctx ends or
// input is closed.
func readDirectives(ctx context.Context, q *relay.Queue) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := relay.ParseDirective(line)
		if err == nil {
			err = q.Add(d)
		}
		if err != nil {
			pterm.Warning.Printfln("Ignored %q: %v", line, err)
			continue
		}
		pterm.Println(cli.DirectiveTable(q.Pending()))
	}
}

func main() {
	config := parseCLIFlags()
	directives, err := validateCLIConfig(config)
	if err != nil {
		cli.Fatal("Configuration error: %v", err)
	}

	logger, err := cli.NewLogger(config.logLevel, config.logFormat, os.Stderr)
	if err != nil {
		cli.Fatal("Configuration error: %v", err)
	}

	opts := relay.NewOptions()
	opts.ListenAddr = config.listenAddr
	opts.ServerAddr = config.serverAddr
	opts.IdleTimeout = config.idleTimeout
	opts.Linger = config.linger
	opts.InvalidTIDWait = config.invalidTIDWait
	opts.Logger = logger

	r, err := relay.New(opts)
	if err != nil {
		cli.Fatal("Failed to create error simulator: %v", err)
	}
	for _, d := range directives {
		if err := r.Queue().Add(d); err != nil {
			cli.Fatal("Directive %s: %v", d, err)
		}
	}
	if err := r.Listen(); err != nil {
		cli.Fatal("%v", err)
	}

	pterm.Info.Printfln("Relaying %s -> %s", r.Addr(), config.serverAddr)
	pterm.Println(cli.DirectiveTable(r.Queue().Pending()))

	ctx, stop := cli.SignalContext()
	defer stop()

	if config.stdin {
		go readDirectives(ctx, r.Queue())
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, relay.ErrRelayClosed) {
			cli.Fatal("Error simulator failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.shutdownTimeout)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		pterm.Warning.Printfln("Sessions cancelled: %v", err)
		return
	}
	pterm.Success.Println("Error simulator stopped")
}
