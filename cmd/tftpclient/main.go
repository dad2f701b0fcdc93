// Package main provides the command line TFTP client.
//
// Usage:
//
//	tftpclient [options] get REMOTE [LOCAL]
//	tftpclient [options] put LOCAL [REMOTE]
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/opd-ai/tftpsim/client"
	"github.com/opd-ai/tftpsim/internal/cli"
	"github.com/opd-ai/tftpsim/transfer"
)

// CLI configuration
type CLIConfig struct {
	serverAddr     string
	timeout        time.Duration
	retries        int
	sessionTimeout time.Duration
	overwrite      bool
	logLevel       string
	logFormat      string

	op     string
	remote string
	local  string
}

// parseCLIFlags parses command-line flags and arguments.
func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	flag.StringVar(&config.serverAddr, "server", "127.0.0.1:69", "Server (or error simulator) address")
	flag.DurationVar(&config.timeout, "timeout", transfer.DefaultTimeout, "Retransmission timeout")
	flag.IntVar(&config.retries, "retries", transfer.DefaultMaxRetries, "Retransmissions of one packet before a transfer is abandoned")
	flag.DurationVar(&config.sessionTimeout, "session-timeout", transfer.DefaultSessionTimeout, "Wait for the next DATA block of a download")
	flag.BoolVar(&config.overwrite, "overwrite", false, "Allow downloads to replace an existing local file")
	flag.StringVar(&config.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flag.StringVar(&config.logFormat, "log-format", "text", "Log format (text, json)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) > 0 {
		config.op = strings.ToLower(args[0])
	}
	switch {
	case len(args) < 2:
	case config.op == "get":
		config.remote, config.local = args[1], filepath.Base(args[1])
		if len(args) > 2 {
			config.local = args[2]
		}
	case config.op == "put":
		config.local, config.remote = args[1], filepath.Base(args[1])
		if len(args) > 2 {
			config.remote = args[2]
		}
	}
	return config
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "TFTP client")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintf(os.Stderr, "  %s [options] get REMOTE [LOCAL]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s [options] put LOCAL [REMOTE]\n", os.Args[0])
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Options:")
	flag.PrintDefaults()
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.op != "get" && config.op != "put" {
		return fmt.Errorf("command must be get or put")
	}
	if config.remote == "" || config.local == "" {
		return fmt.Errorf("%s needs a file name", config.op)
	}
	return nil
}

func main() {
	config := parseCLIFlags()
	if err := validateCLIConfig(config); err != nil {
		pterm.Error.Println(err.Error())
		printUsage()
		os.Exit(2)
	}

	logger, err := cli.NewLogger(config.logLevel, config.logFormat, os.Stderr)
	if err != nil {
		cli.Fatal("Configuration error: %v", err)
	}

	opts := client.NewOptions()
	opts.ServerAddr = config.serverAddr
	opts.Timeout = config.timeout
	opts.MaxRetries = config.retries
	opts.SessionTimeout = config.sessionTimeout
	opts.Overwrite = config.overwrite
	opts.Logger = logger

	c, err := client.New(opts)
	if err != nil {
		cli.Fatal("Failed to create client: %v", err)
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	var res *transfer.Result
	if config.op == "get" {
		res, err = c.Get(ctx, config.remote, config.local)
	} else {
		res, err = c.Put(ctx, config.local, config.remote)
	}
	if err != nil {
		cli.Fatal("%s %s failed: %v", strings.ToUpper(config.op), config.remote, err)
	}

	pterm.Success.Printfln("%s %s complete", strings.ToUpper(config.op), config.remote)
	pterm.Println(cli.ResultTable(strings.ToUpper(config.op), config.remote, config.local, res))
}
