// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/capwire/channel"
	"github.com/bureau-foundation/capwire/lib/policy"
	"github.com/bureau-foundation/capwire/lib/version"
	"github.com/bureau-foundation/capwire/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		policyPath  string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("capwire-host", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration file (built-in defaults when empty)")
	flagSet.StringVar(&socketPath, "socket", "", "listening socket path (overrides the configuration)")
	flagSet.StringVar(&policyPath, "policy", "", "capability policy file (overrides the configuration)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("capwire-host %s\n", version.Info())
		return nil
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		config.Socket = socketPath
	}
	if policyPath != "" {
		config.Policy = policyPath
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		return fmt.Errorf("log level %q: %w", config.LogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	allowed := policy.AllowAll()
	if config.Policy != "" {
		allowed, err = policy.ReadFile(config.Policy)
		if err != nil {
			return err
		}
		if issues := policy.Validate(allowed); len(issues) > 0 {
			for _, issue := range issues {
				fmt.Fprintf(os.Stderr, "policy: %s\n", issue)
			}
			return fmt.Errorf("policy %s has %d issue(s)", config.Policy, len(issues))
		}
		logger.Info("capability policy loaded", "path", config.Policy, "allow", allowed.Allow)
	}

	compression, err := channel.ParseCompressionTag(config.Compression)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := channel.Listen(config.Socket, channel.Options{Compression: compression})
	if err != nil {
		return err
	}
	defer listener.Close()
	logger.Info("host listening",
		"socket", config.Socket,
		"compression", config.Compression,
		"testing_group", config.EnableTesting,
	)

	backends := demoBackends(config, logger)

	// One plugin at a time: dispatch state is per connection, so each
	// connection gets a fresh host bundle over the shared backends.
	for {
		ch, err := listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info("shutting down")
				return nil
			}
			return err
		}

		host := proxy.NewHost(ch, backends, proxy.HostOptions{
			Logger:        logger,
			SupportsGroup: allowed.Allows,
			EnableTesting: config.EnableTesting,
		})
		logger.Info("plugin connected")
		if err := host.Serve(ctx); err != nil {
			logger.Warn("connection ended with error", "error", err)
		} else {
			logger.Info("plugin disconnected")
		}
		host.Close()
	}
}
