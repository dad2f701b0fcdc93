// Package main provides the command line TFTP server.
//
// It serves files from one directory over octet-mode TFTP until interrupted,
// then stops accepting requests and waits for running transfers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"

	"github.com/opd-ai/tftpsim/file"
	"github.com/opd-ai/tftpsim/internal/cli"
	"github.com/opd-ai/tftpsim/server"
	"github.com/opd-ai/tftpsim/transfer"
)

// CLI configuration
type CLIConfig struct {
	listenAddr      string
	root            string
	timeout         time.Duration
	retries         int
	sessionTimeout  time.Duration
	dally           time.Duration
	overwrite       bool
	quota           int64
	shutdownTimeout time.Duration
	logLevel        string
	logFormat       string
	verbose         bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	flag.StringVar(&config.listenAddr, "listen", server.DefaultListenAddr, "Request socket address")
	flag.StringVar(&config.root, "root", ".", "Directory to serve")

	flag.DurationVar(&config.timeout, "timeout", transfer.DefaultTimeout, "Retransmission timeout")
	flag.IntVar(&config.retries, "retries", transfer.DefaultMaxRetries, "Retransmissions of one packet before a transfer is abandoned")
	flag.DurationVar(&config.sessionTimeout, "session-timeout", transfer.DefaultSessionTimeout, "Wait for the next DATA block of an upload")
	flag.DurationVar(&config.dally, "dally", 0, "Keep upload sessions open after the final ACK")
	flag.DurationVar(&config.shutdownTimeout, "shutdown-timeout", 30*time.Second, "Wait for running transfers on shutdown")

	flag.BoolVar(&config.overwrite, "overwrite", false, "Allow uploads to replace existing files")
	flag.Int64Var(&config.quota, "quota", 0, "Maximum bytes accepted by uploads (0 for unlimited)")

	flag.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&config.logFormat, "log-format", "text", "Log format (text, json)")
	flag.BoolVar(&config.verbose, "verbose", false, "Log every packet")

	flag.Parse()
	return config
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	info, err := os.Stat(config.root)
	if err != nil {
		return fmt.Errorf("root directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", config.root)
	}
	if config.quota < 0 {
		return fmt.Errorf("quota cannot be negative")
	}
	if config.shutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func main() {
	config := parseCLIFlags()
	if err := validateCLIConfig(config); err != nil {
		cli.Fatal("Configuration error: %v", err)
	}

	logger, err := cli.NewLogger(config.logLevel, config.logFormat, os.Stderr)
	if err != nil {
		cli.Fatal("Configuration error: %v", err)
	}

	opts := server.NewOptions()
	opts.ListenAddr = config.listenAddr
	opts.Timeout = config.timeout
	opts.MaxRetries = config.retries
	opts.SessionTimeout = config.sessionTimeout
	opts.Dally = config.dally
	opts.Overwrite = config.overwrite
	opts.Verbose = config.verbose
	opts.Logger = logger

	store := file.NewDiskStore(config.root)
	store.SetQuota(config.quota)

	srv, err := server.New(opts, store)
	if err != nil {
		cli.Fatal("Failed to create server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		cli.Fatal("%v", err)
	}

	pterm.Info.Printfln("Serving %s on %s", config.root, srv.Addr())

	ctx, stop := cli.SignalContext()
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			cli.Fatal("Server failed: %v", err)
		}
	}

	pterm.Info.Printfln("Shutting down, waiting for %d transfer(s)", srv.ActiveSessions())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		pterm.Warning.Printfln("Transfers cancelled: %v", err)
		return
	}
	pterm.Success.Println("Server stopped")
}
