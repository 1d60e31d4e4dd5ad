// Package main implements the localcached daemon: a per-host cache serving
// key/value and change-notification requests over a Unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/huykn/localcached"
	"github.com/huykn/localcached/config"
	"github.com/huykn/localcached/server"
)

const appName = "localcached"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("localcached failed", "error", err, "exit_code", 1)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cli.ShowVersion {
		info := localcached.GetVersionInfo()
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, info.Version, info.GoVersion)
		return nil
	}

	cfg, warnings, err := config.Load(cli.ConfigPath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(&cfg, cli); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	for _, w := range warnings {
		logger.Warn("configuration adjusted", "detail", w)
	}

	if cli.Validate {
		logger.Info("configuration is valid", "socket", cfg.SocketPath, "pid_file", cfg.PIDFile)
		return nil
	}

	logger.Info("starting localcached",
		"config_path", cli.ConfigPath,
		"evict_policy", cfg.EvictPolicy,
		"relay", cfg.Relay.Enabled(),
		"metrics_textfile", cfg.Metrics.Textfile)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
