// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/capwire/channel"
	"github.com/bureau-foundation/capwire/lib/version"
	"github.com/bureau-foundation/capwire/proxy"
	"github.com/bureau-foundation/capwire/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath  string
		compression string
		logLevel    string
		instance    uint32
		documentURL string
		bufferBytes uint32
		playFor     time.Duration
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("capwire-plugin", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "host socket path (required)")
	flagSet.StringVar(&compression, "compression", "", "channel compression: none, lz4, or zstd")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.Uint32Var(&instance, "instance", 1, "instance identifier to reserve")
	flagSet.StringVar(&documentURL, "url", "index.html", "document to fetch through the URL loader")
	flagSet.Uint32Var(&bufferBytes, "buffer-bytes", 65536, "shared buffer allocation size")
	flagSet.DurationVar(&playFor, "play", 500*time.Millisecond, "audio playback duration")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("capwire-plugin %s\n", version.Info())
		return nil
	}

	if socketPath == "" {
		return fmt.Errorf("--socket is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	tag, err := channel.ParseCompressionTag(compression)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := channel.Dial(socketPath, channel.Options{Compression: tag})
	if err != nil {
		return err
	}
	logger.Info("connected", "socket", socketPath, "compression", compression)

	plugin := proxy.NewPlugin(ch, proxy.PluginOptions{Logger: logger})

	serveDone := make(chan error, 1)
	go func() { serveDone <- plugin.Serve(ctx) }()

	walkErr := exercise(ctx, plugin, logger, exerciseOptions{
		instance:    wire.InstanceID(instance),
		documentURL: documentURL,
		bufferBytes: bufferBytes,
		playFor:     playFor,
	})

	plugin.Close()
	if serveErr := <-serveDone; serveErr != nil && walkErr == nil {
		return fmt.Errorf("connection: %w", serveErr)
	}
	return walkErr
}
