// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Socket != "/run/capwire/host.sock" {
		t.Errorf("expected socket=/run/capwire/host.sock, got %s", config.Socket)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected log_level=info, got %s", config.LogLevel)
	}
	if config.Chooser.Root != "." {
		t.Errorf("expected chooser root=., got %s", config.Chooser.Root)
	}
	if config.Loader.Root != "." {
		t.Errorf("expected loader root=., got %s", config.Loader.Root)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "host.yaml")

	configContent := `
socket: /tmp/capwire-test.sock
compression: zstd
log_level: debug
enable_testing: true

chooser:
  root: /srv/files

buffer:
  max_bytes: 4194304

filesystem:
  quota_bytes: 1048576

loader:
  root: /srv/www
  push_ahead_bytes: 65536
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Socket != "/tmp/capwire-test.sock" {
		t.Errorf("expected socket=/tmp/capwire-test.sock, got %s", config.Socket)
	}
	if config.Compression != "zstd" {
		t.Errorf("expected compression=zstd, got %s", config.Compression)
	}
	if config.LogLevel != "debug" {
		t.Errorf("expected log_level=debug, got %s", config.LogLevel)
	}
	if !config.EnableTesting {
		t.Error("expected enable_testing=true")
	}
	if config.Chooser.Root != "/srv/files" {
		t.Errorf("expected chooser root=/srv/files, got %s", config.Chooser.Root)
	}
	if config.Buffer.MaxBytes != 4194304 {
		t.Errorf("expected buffer max_bytes=4194304, got %d", config.Buffer.MaxBytes)
	}
	if config.FileSystem.QuotaBytes != 1048576 {
		t.Errorf("expected filesystem quota_bytes=1048576, got %d", config.FileSystem.QuotaBytes)
	}
	if config.Loader.Root != "/srv/www" {
		t.Errorf("expected loader root=/srv/www, got %s", config.Loader.Root)
	}
	if config.Loader.PushAheadBytes != 65536 {
		t.Errorf("expected loader push_ahead_bytes=65536, got %d", config.Loader.PushAheadBytes)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("config should validate: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty socket",
			modify: func(c *Config) {
				c.Socket = ""
			},
			wantErr: true,
		},
		{
			name: "lz4 compression",
			modify: func(c *Config) {
				c.Compression = "lz4"
			},
			wantErr: false,
		},
		{
			name: "unknown compression",
			modify: func(c *Config) {
				c.Compression = "brotli"
			},
			wantErr: true,
		},
		{
			name: "unknown log level",
			modify: func(c *Config) {
				c.LogLevel = "trace"
			},
			wantErr: true,
		},
		{
			name: "negative filesystem quota",
			modify: func(c *Config) {
				c.FileSystem.QuotaBytes = -1
			},
			wantErr: true,
		},
		{
			name: "negative push ahead",
			modify: func(c *Config) {
				c.Loader.PushAheadBytes = -1
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := LoadConfig("")
			if err != nil {
				t.Fatalf("LoadConfig failed: %v", err)
			}
			tt.modify(config)

			err = config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
