// Package config loads runtime configuration for the goyate demo binaries
// (cmd/yate-ivr-demo, cmd/yate-watch). The core library packages never
// import this package: they take their transport and logger as explicit
// constructor arguments.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds the runtime configuration shared by the goyate demo
// binaries. Precedence: CLI flags > env vars > defaults.
type Config struct {
	Mode            string // "stdio", "tcp", or "unix"
	Host            string
	Port            int
	SockPath        string
	LogLevel        string
	LogFormat       string // "text" or "json"
	AutomaticBufsize bool
}

// defaults
const (
	defaultMode      = "stdio"
	defaultHost      = "127.0.0.1"
	defaultPort      = 5039
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all goyate environment variables.
const envPrefix = "GOYATE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("goyate", flag.ContinueOnError)

	fs.StringVar(&cfg.Mode, "mode", defaultMode, "transport mode: stdio, tcp, or unix")
	fs.StringVar(&cfg.Host, "host", defaultHost, "host to connect to in tcp mode")
	fs.IntVar(&cfg.Port, "port", defaultPort, "port to connect to in tcp mode")
	fs.StringVar(&cfg.SockPath, "sock-path", "", "unix domain socket path in unix mode")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.BoolVar(&cfg.AutomaticBufsize, "automatic-bufsize", false, "automatically grow the engine's local bufsize when a line would overflow it")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"mode":              envPrefix + "MODE",
		"host":              envPrefix + "HOST",
		"port":              envPrefix + "PORT",
		"sock-path":         envPrefix + "SOCK_PATH",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
		"automatic-bufsize": envPrefix + "AUTOMATIC_BUFSIZE",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "mode":
			cfg.Mode = val
		case "host":
			cfg.Host = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Port = v
			}
		case "sock-path":
			cfg.SockPath = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "automatic-bufsize":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AutomaticBufsize = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	switch c.Mode {
	case "stdio":
	case "tcp":
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
		}
		if c.Host == "" {
			return fmt.Errorf("host must not be empty in tcp mode")
		}
	case "unix":
		if c.SockPath == "" {
			return fmt.Errorf("sock-path must be set in unix mode")
		}
	default:
		return fmt.Errorf("mode must be one of stdio, tcp, unix; got %q", c.Mode)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
