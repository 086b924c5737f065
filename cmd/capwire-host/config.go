// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/capwire/channel"
)

// Config is the top-level configuration for the host.
type Config struct {
	// Socket is the Unix socket path plugins connect to.
	// Defaults to /run/capwire/host.sock.
	Socket string `yaml:"socket"`

	// Compression selects the frame compression for plugin traffic:
	// "none", "lz4", or "zstd". Defaults to none.
	Compression string `yaml:"compression"`

	// LogLevel sets the slog level: "debug", "info", "warn", "error".
	// Defaults to info.
	LogLevel string `yaml:"log_level"`

	// Policy is the path to a JSONC capability policy file. Empty
	// allows every group the host has a backend for.
	Policy string `yaml:"policy"`

	// EnableTesting registers the testing group (live-object census,
	// buffer digests). Meant for harnesses; leave off in production.
	EnableTesting bool `yaml:"enable_testing"`

	// Chooser configures the file chooser backend.
	Chooser ChooserConfig `yaml:"chooser"`

	// Buffer configures the shared-memory buffer backend.
	Buffer BufferConfig `yaml:"buffer"`

	// FileSystem configures the file system backend.
	FileSystem FileSystemConfig `yaml:"filesystem"`

	// Loader configures the URL loader backend.
	Loader LoaderConfig `yaml:"loader"`
}

// ChooserConfig configures the directory-listing file chooser.
type ChooserConfig struct {
	// Root is the directory whose entries the chooser offers.
	// Defaults to the working directory.
	Root string `yaml:"root"`
}

// BufferConfig configures shared-memory buffer allocation.
type BufferConfig struct {
	// MaxBytes caps a single buffer allocation. Zero means no cap.
	MaxBytes uint32 `yaml:"max_bytes"`
}

// FileSystemConfig configures the file system backend.
type FileSystemConfig struct {
	// QuotaBytes caps the expected size an open may declare. Zero
	// means no cap.
	QuotaBytes int64 `yaml:"quota_bytes"`
}

// LoaderConfig configures the file-serving URL loader.
type LoaderConfig struct {
	// Root is the document root requests resolve against.
	// Defaults to the working directory.
	Root string `yaml:"root"`

	// PushAheadBytes streams bodies up to this size to the plugin
	// immediately after open, without waiting for read requests.
	// Zero disables push.
	PushAheadBytes int64 `yaml:"push_ahead_bytes"`
}

// LoadConfig loads a configuration from a YAML file. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if config.Socket == "" {
		config.Socket = "/run/capwire/host.sock"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.Chooser.Root == "" {
		config.Chooser.Root = "."
	}
	if config.Loader.Root == "" {
		config.Loader.Root = "."
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket is required")
	}
	if _, err := channel.ParseCompressionTag(c.Compression); err != nil {
		return fmt.Errorf("compression: %w", err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q (supported: debug, info, warn, error)", c.LogLevel)
	}
	if c.FileSystem.QuotaBytes < 0 {
		return fmt.Errorf("filesystem.quota_bytes must not be negative")
	}
	if c.Loader.PushAheadBytes < 0 {
		return fmt.Errorf("loader.push_ahead_bytes must not be negative")
	}
	return nil
}
