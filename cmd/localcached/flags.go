package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/huykn/localcached/config"
)

// CLIConfig holds command-line configuration. Empty strings leave the value
// from the config file and environment in place.
type CLIConfig struct {
	ConfigPath  string
	SocketPath  string
	PIDFile     string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	Validate    bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config", os.Getenv(config.EnvConfig),
		"Path to a YAML configuration file (env: "+config.EnvConfig+")")
	fs.StringVar(&cfg.ConfigPath, "c", os.Getenv(config.EnvConfig),
		"Path to a YAML configuration file (env: "+config.EnvConfig+")")
	fs.StringVar(&cfg.SocketPath, "socket", "",
		"Unix socket path (env: "+config.EnvSocket+")")
	fs.StringVar(&cfg.PIDFile, "pid-file", "",
		"PID file path, derived from the socket when unset (env: "+config.EnvPIDFile+")")
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: "+config.EnvLogLevel+")")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (env: "+config.EnvLogFormat+")")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, `%s - local caching daemon

Usage: %s [flags]

Every setting can also be provided as a LOCALCACHED_* environment variable.
Flags override the environment, which overrides the config file.

Flags:
`, appName, appName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

// applyFlags overlays explicit flags on the loaded configuration.
func applyFlags(cfg *config.Config, cli *CLIConfig) error {
	if cli.SocketPath != "" {
		cfg.SocketPath = cli.SocketPath
		if cli.PIDFile == "" {
			cfg.PIDFile = config.PIDPathFor(cli.SocketPath)
		}
	}
	if cli.PIDFile != "" {
		cfg.PIDFile = cli.PIDFile
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	return cfg.Validate()
}
