// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/auditlog/eventlog"
	"github.com/bureau-foundation/auditlog/lib/config"
	"github.com/bureau-foundation/auditlog/lib/version"
	"github.com/bureau-foundation/auditlog/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "auditlogd: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	logLevel    string
	checkConfig bool
	showVersion bool
}

func parseFlags(args []string, output io.Writer) (flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet("auditlogd", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "configuration file (YAML or JSONC); defaults to $AUDITLOGD_CONFIG")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flagSet.BoolVar(&f.checkConfig, "check-config", false, "validate the configuration and exit")
	flagSet.BoolVar(&f.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return f, err
	}
	if flagSet.NArg() > 0 {
		return f, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return f, nil
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", name)
	}
	return level, nil
}

func run(args []string) error {
	f, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if f.showVersion {
		fmt.Printf("auditlogd %s\n", version.Full())
		return nil
	}
	level, err := parseLevel(f.logLevel)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if f.checkConfig {
		fmt.Println("configuration OK")
		return nil
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	var events *eventlog.Log
	if cfg.Server.EventLog.Path != "" {
		if events, err = eventlog.Open(cfg.Server.EventLog.Path); err != nil {
			return err
		}
		defer events.Close()
	}

	srv, err := server.New(server.Options{Config: cfg, Logger: logger, EventLog: events})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, srv, f.configPath, logger)

	logger.Info("auditlogd starting",
		"version", version.Info(),
		"server_id", cfg.Server.ServerID,
		"listen", srv.Addresses(),
	)
	return srv.Serve(ctx)
}

// newLogger writes human-readable text when output is a terminal and
// JSON lines otherwise.
func newLogger(output *os.File, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(output.Fd())) {
		return slog.New(slog.NewTextHandler(output, options))
	}
	return slog.New(slog.NewJSONHandler(output, options))
}

// loadConfig reads and validates the configuration. An empty path
// falls back to AUDITLOGD_CONFIG, then to the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("AUDITLOGD_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reloadOnHangup re-reads the configuration on SIGHUP and hands it to
// the server. A configuration that fails to load or validate is
// logged and the running one kept.
func reloadOnHangup(ctx context.Context, srv *server.Server, path string, logger *slog.Logger) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
		}
		cfg, err := loadConfig(path)
		if err != nil {
			logger.Error("reload: keeping current configuration", "error", err)
			continue
		}
		if err := cfg.EnsurePaths(); err != nil {
			logger.Error("reload: keeping current configuration", "error", err)
			continue
		}
		if err := srv.Reload(ctx, cfg); err != nil {
			logger.Error("reload failed", "error", err)
		}
	}
}
