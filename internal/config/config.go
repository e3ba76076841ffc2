// Package config handles configuration loading and validation for driftvault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftvault/driftvault/pkg/bytesize"
)

// StorageConfig holds configuration for the storage lifecycle engine.
type StorageConfig struct {
	Root              string        `yaml:"root"`                // Storage root directory (default: /var/lib/driftvault)
	DefaultQuota      bytesize.Size `yaml:"default_quota"`       // Per-owner quota unless overridden (default: 10Gi, 0 = unlimited)
	MaxFileSize       bytesize.Size `yaml:"max_file_size"`       // Largest accepted upload (default: 5Gi, 0 = unlimited)
	ChunkSizeHint     bytesize.Size `yaml:"chunk_size_hint"`     // Chunk size suggested to clients (default: 8Mi)
	MinVolumeHeadroom bytesize.Size `yaml:"min_volume_headroom"` // Refuse uploads when the volume has less free space (0 = disabled)
}

// SweepConfig holds configuration for the background maintenance sweeper.
type SweepConfig struct {
	Interval      string `yaml:"interval"`        // Duration string, e.g. "10m"
	MaxSessionAge string `yaml:"max_session_age"` // Abandoned upload sessions older than this are reaped (default: "24h", "0" disables)
}

// Config holds configuration for the driftvault daemon.
type Config struct {
	Listen   string        `yaml:"listen"` // Metrics/health listen address (default: 127.0.0.1:9310)
	LogLevel string        `yaml:"log_level"`
	Storage  StorageConfig `yaml:"storage"`
	Sweep    SweepConfig   `yaml:"sweep"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:9310"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "/var/lib/driftvault"
	}
	// Expand home directory in storage root
	if strings.HasPrefix(c.Storage.Root, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.Storage.Root = filepath.Join(homeDir, c.Storage.Root[2:])
		}
	}
	if c.Storage.DefaultQuota == 0 {
		c.Storage.DefaultQuota = bytesize.Size(10 * bytesize.GB)
	}
	if c.Storage.MaxFileSize == 0 {
		c.Storage.MaxFileSize = bytesize.Size(5 * bytesize.GB)
	}
	if c.Storage.ChunkSizeHint == 0 {
		c.Storage.ChunkSizeHint = bytesize.Size(8 * bytesize.MB)
	}
	if c.Sweep.Interval == "" {
		c.Sweep.Interval = "10m"
	}
	if c.Sweep.MaxSessionAge == "" {
		c.Sweep.MaxSessionAge = "24h"
	}
}

// SweepInterval returns the parsed sweep interval.
func (c *Config) SweepInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Sweep.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid sweep.interval: %w", err)
	}
	return d, nil
}

// MaxSessionAge returns the parsed staging reap age. Zero disables reaping.
func (c *Config) MaxSessionAge() (time.Duration, error) {
	if c.Sweep.MaxSessionAge == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Sweep.MaxSessionAge)
	if err != nil {
		return 0, fmt.Errorf("invalid sweep.max_session_age: %w", err)
	}
	return d, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if !filepath.IsAbs(c.Storage.Root) {
		return fmt.Errorf("storage.root must be an absolute path")
	}
	if c.Storage.DefaultQuota < 0 {
		return fmt.Errorf("storage.default_quota must not be negative")
	}
	if c.Storage.MaxFileSize < 0 {
		return fmt.Errorf("storage.max_file_size must not be negative")
	}
	if d, err := c.SweepInterval(); err != nil {
		return err
	} else if d <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if d, err := c.MaxSessionAge(); err != nil {
		return err
	} else if d < 0 {
		return fmt.Errorf("sweep.max_session_age must not be negative")
	}
	return nil
}
