// Package config loads the cliprdr-fuse configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"cliprdr-fuse/clipfs"
	"cliprdr-fuse/clipfs/diag"
	"cliprdr-fuse/logging"
)

// Config is the top-level configuration.
type Config struct {
	// MountPoint is where the bridge is mounted. Defaults to
	// $TMPDIR/.cliprdr-fuse.<pid>.
	MountPoint string `yaml:"mount_point"`
	FsName     string `yaml:"fs_name"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`

	// MaxReadSize caps the length of one range request.
	MaxReadSize uint32 `yaml:"max_read_size"`
	// RequestTimeout fails held calls the remote has not answered in
	// time. Zero waits for invalidation.
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RetainGenerations int           `yaml:"retain_generations"`
	MaxNodes          int           `yaml:"max_nodes"`
	MaxPending        int           `yaml:"max_pending"`
	EntryTimeout      time.Duration `yaml:"entry_timeout"`
	AttrTimeout       time.Duration `yaml:"attr_timeout"`

	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Loopback LoopbackConfig `yaml:"loopback"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// HTTPConfig configures the metrics and diagnostics listener.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the listener.
	Addr string `yaml:"addr"`
}

// LoopbackConfig configures the demo mode that serves a local directory
// through an in-process peer.
type LoopbackConfig struct {
	// Dir is announced as the remote selection. Empty disables loopback.
	Dir     string `yaml:"dir"`
	Pinning bool   `yaml:"pinning"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MountPoint:        filepath.Join(os.TempDir(), fmt.Sprintf(".cliprdr-fuse.%d", os.Getpid())),
		FsName:            "cliprdr",
		MaxReadSize:       clipfs.DefaultMaxReadSize,
		RetainGenerations: 1,
		MaxNodes:          1 << 20,
		MaxPending:        4096,
		EntryTimeout:      time.Second,
		AttrTimeout:       time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount_point is required")
	}
	if c.MaxReadSize == 0 {
		return fmt.Errorf("max_read_size must be positive")
	}
	if c.RetainGenerations < 1 {
		return fmt.Errorf("retain_generations must be at least 1, got %d", c.RetainGenerations)
	}
	if c.MaxNodes < 0 || c.MaxPending < 0 {
		return fmt.Errorf("max_nodes and max_pending must not be negative")
	}
	if c.RequestTimeout < 0 || c.EntryTimeout < 0 || c.AttrTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format: unknown format %q (supported: json, console)", c.Log.Format)
	}
	if c.Loopback.Dir != "" {
		info, err := os.Stat(c.Loopback.Dir)
		if err != nil {
			return fmt.Errorf("loopback.dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("loopback.dir: %q is not a directory", c.Loopback.Dir)
		}
	}
	return nil
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, OutputPath: c.Log.Output}
}

// BridgeOptions returns the bridge settings, logging to the global logger.
// tracker may be nil.
func (c *Config) BridgeOptions(tracker *diag.Tracker) clipfs.Options {
	return clipfs.Options{
		Logger:            logging.L(),
		Diag:              tracker,
		MaxReadSize:       c.MaxReadSize,
		RequestTimeout:    c.RequestTimeout,
		RetainGenerations: c.RetainGenerations,
		MaxNodes:          c.MaxNodes,
		MaxPending:        c.MaxPending,
		EntryTimeout:      c.EntryTimeout,
		AttrTimeout:       c.AttrTimeout,
	}
}

// MountOptions returns the FUSE mount settings.
func (c *Config) MountOptions() clipfs.MountOptions {
	return clipfs.MountOptions{FsName: c.FsName, AllowOther: c.AllowOther, Debug: c.Debug}
}
