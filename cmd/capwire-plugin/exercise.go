// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/capwire/proxy"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/wire"
)

// exerciseOptions parameterize the walkthrough.
type exerciseOptions struct {
	instance    wire.InstanceID
	documentURL string
	bufferBytes uint32
	playFor     time.Duration
}

// await blocks until a completion callback delivers its value or the
// context ends.
func await[T any](ctx context.Context, done <-chan T) (T, error) {
	select {
	case value := <-done:
		return value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// exercise reserves an instance and walks every capability group the
// host makes available. Steps for refused groups are skipped;
// infrastructure failures abort the walk.
func exercise(ctx context.Context, plugin *proxy.Plugin, logger *slog.Logger, options exerciseOptions) error {
	ok, err := plugin.ReserveInstance(ctx, options.instance)
	if err != nil {
		return fmt.Errorf("reserving instance %d: %w", options.instance, err)
	}
	if !ok {
		return fmt.Errorf("instance %d is already reserved", options.instance)
	}

	available := make(map[wire.Group]bool)
	for _, group := range []wire.Group{
		wire.GroupFileChooser,
		wire.GroupFileSystem,
		wire.GroupGraphics,
		wire.GroupBuffer,
		wire.GroupLoader,
		wire.GroupAudio,
		wire.GroupTesting,
	} {
		supported, err := plugin.PeerSupportsGroup(ctx, group)
		if err != nil {
			return fmt.Errorf("probing group %s: %w", group, err)
		}
		available[group] = supported
		logger.Info("group probed", "group", group.String(), "supported", supported)
	}

	var held []track.Handle

	var buffer track.Handle
	if available[wire.GroupBuffer] {
		buffer, err = exerciseBuffer(ctx, plugin, logger, options, available[wire.GroupTesting])
		if err != nil {
			return err
		}
		held = append(held, buffer)
	}

	if available[wire.GroupGraphics] && available[wire.GroupBuffer] {
		surface, err := exerciseGraphics(ctx, plugin, logger, options, buffer)
		if err != nil {
			return err
		}
		held = append(held, surface)
	}

	if available[wire.GroupLoader] {
		loader, err := exerciseLoader(ctx, plugin, logger, options)
		if err != nil {
			return err
		}
		held = append(held, loader)
	}

	if available[wire.GroupFileChooser] {
		chooser, err := exerciseFileChooser(ctx, plugin, logger, options)
		if err != nil {
			return err
		}
		held = append(held, chooser)
	}

	if available[wire.GroupFileSystem] {
		fileSystem, err := exerciseFileSystem(ctx, plugin, logger, options)
		if err != nil {
			return err
		}
		held = append(held, fileSystem)
	}

	if available[wire.GroupAudio] {
		stream, err := exerciseAudio(ctx, plugin, logger, options)
		if err != nil {
			return err
		}
		held = append(held, stream)
	}

	if available[wire.GroupTesting] {
		count, err := plugin.Testing().LiveCount(ctx, options.instance)
		if err != nil {
			return fmt.Errorf("live count: %w", err)
		}
		logger.Info("live resources before release", "count", count, "held", len(held))
	}

	for _, handle := range held {
		plugin.Release(handle)
	}

	// Releases are fire-and-forget but ordered ahead of this query on
	// the same channel, so the count observes all of them.
	if available[wire.GroupTesting] {
		count, err := plugin.Testing().LiveCount(ctx, options.instance)
		if err != nil {
			return fmt.Errorf("live count: %w", err)
		}
		if count != 0 {
			return fmt.Errorf("host still tracks %d resources after release", count)
		}
		logger.Info("all resources released")
	}

	return nil
}

// exerciseBuffer allocates a shared buffer, fills it with a pattern,
// and, when the testing group is up, compares content digests across
// the channel. The digests agree only if both processes see the same
// memory.
func exerciseBuffer(ctx context.Context, plugin *proxy.Plugin, logger *slog.Logger, options exerciseOptions, verify bool) (track.Handle, error) {
	handle, err := plugin.Buffer().Create(ctx, options.instance, options.bufferBytes)
	if err != nil {
		return 0, fmt.Errorf("creating buffer: %w", err)
	}
	data, err := plugin.Buffer().Bytes(handle)
	if err != nil {
		return 0, fmt.Errorf("mapping buffer: %w", err)
	}
	for i := range data {
		data[i] = byte(i % 251)
	}
	logger.Info("buffer filled", "requested", options.bufferBytes, "mapped", len(data))

	// A second reference carries the buffer through one release.
	plugin.AddRef(handle)
	plugin.Release(handle)

	if verify {
		remote, err := plugin.Testing().BufferDigest(ctx, handle)
		if err != nil {
			return 0, fmt.Errorf("fetching buffer digest: %w", err)
		}
		if local := proxy.DigestBuffer(data); !bytes.Equal(local, remote) {
			return 0, fmt.Errorf("buffer digest mismatch: host %x, local %x", remote, local)
		}
		logger.Info("buffer digest verified", "digest", fmt.Sprintf("%x", remote))
	}
	return handle, nil
}

// exerciseGraphics creates a surface, paints the shared buffer onto
// it, and waits for the flush acknowledgement.
func exerciseGraphics(ctx context.Context, plugin *proxy.Plugin, logger *slog.Logger, options exerciseOptions, buffer track.Handle) (track.Handle, error) {
	surface, err := plugin.Graphics().Create(ctx, options.instance, 320, 240)
	if err != nil {
		return 0, fmt.Errorf("creating surface: %w", err)
	}
	if err := plugin.Graphics().PaintBuffer(surface, buffer, 0, 0); err != nil {
		return 0, fmt.Errorf("painting: %w", err)
	}

	flushed := make(chan wire.Result, 1)
	if err := plugin.Graphics().Flush(surface, func(result wire.Result) {
		flushed <- result
	}); err != nil {
		return 0, fmt.Errorf("flushing: %w", err)
	}
	result, err := await(ctx, flushed)
	if err != nil {
		return 0, err
	}
	logger.Info("surface flushed", "result", result)
	return surface, nil
}

type loaderOpened struct {
	result wire.Result
	status int32
}

type loaderRead struct {
	result wire.Result
	data   []byte
}

// exerciseLoader fetches one document and drains its body through
// read requests. Bodies the host pushed ahead drain from the local
// read-ahead buffer without extra round trips.
func exerciseLoader(ctx context.Context, plugin *proxy.Plugin, logger *slog.Logger, options exerciseOptions) (track.Handle, error) {
	handle, err := plugin.Loader().Create(ctx, options.instance)
	if err != nil {
		return 0, fmt.Errorf("creating loader: %w", err)
	}

	opened := make(chan loaderOpened, 1)
	err = plugin.Loader().Open(handle, options.documentURL, "GET", nil, func(result wire.Result, status int32) {
		opened <- loaderOpened{result, status}
	})
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", options.documentURL, err)
	}
	open, err := await(ctx, opened)
	if err != nil {
		return 0, err
	}
	if open.result != wire.ResultOK {
		return 0, fmt.Errorf("open %s failed: %d", options.documentURL, open.result)
	}
	if open.status != 200 {
		logger.Warn("document not served", "url", options.documentURL, "status", open.status)
		return handle, nil
	}

	var body []byte
	for {
		reads := make(chan loaderRead, 1)
		err := plugin.Loader().Read(handle, 4096, func(result wire.Result, data []byte) {
			reads <- loaderRead{result, data}
		})
		if err != nil {
			return 0, fmt.Errorf("requesting read: %w", err)
		}
		read, err := await(ctx, reads)
		if err != nil {
			return 0, err
		}
		if read.result < 0 {
			return 0, fmt.Errorf("reading body: result %d", read.result)
		}
		if len(read.data) == 0 {
			break
		}
		body = append(body, read.data...)
	}
	logger.Info("document fetched", "url", options.documentURL, "status", open.status, "bytes", len(body))
	return handle, nil
}

type chosen struct {
	result wire.Result
	files  []wire.ChosenFile
}

// exerciseFileChooser shows an open-multiple chooser and lists what
// the host offers.
func exerciseFileChooser(ctx context.Context, plugin *proxy.Plugin, logger *slog.Logger, options exerciseOptions) (track.Handle, error) {
	handle, err := plugin.FileChooser().Create(ctx, options.instance, wire.FileChooserOpenMultiple, "")
	if err != nil {
		return 0, fmt.Errorf("creating chooser: %w", err)
	}

	done := make(chan chosen, 1)
	if err := plugin.FileChooser().Show(handle, func(result wire.Result, files []wire.ChosenFile) {
		done <- chosen{result, files}
	}); err != nil {
		return 0, fmt.Errorf("showing chooser: %w", err)
	}
	choice, err := await(ctx, done)
	if err != nil {
		return 0, err
	}
	if choice.result != wire.ResultOK {
		logger.Warn("chooser failed", "result", choice.result)
		return handle, nil
	}
	for _, file := range choice.files {
		logger.Info("file offered", "name", file.Name, "size", file.Size)
	}
	logger.Info("chooser done", "files", len(choice.files))
	return handle, nil
}

// exerciseFileSystem opens a temporary file system with a modest
// declared size.
func exerciseFileSystem(ctx context.Context, plugin *proxy.Plugin, logger *slog.Logger, options exerciseOptions) (track.Handle, error) {
	handle, err := plugin.FileSystem().Create(ctx, options.instance, wire.FileSystemTemporary)
	if err != nil {
		return 0, fmt.Errorf("creating file system: %w", err)
	}

	opened := make(chan wire.Result, 1)
	if err := plugin.FileSystem().Open(handle, 1<<20, func(result wire.Result) {
		opened <- result
	}); err != nil {
		return 0, fmt.Errorf("opening file system: %w", err)
	}
	result, err := await(ctx, opened)
	if err != nil {
		return 0, err
	}
	logger.Info("file system opened", "result", result)
	return handle, nil
}

type streamUp struct {
	result  wire.Result
	samples []byte
}

// exerciseAudio brings up an output stream, plays the host's tone for
// a while, and checks that sample data landed in the shared region.
func exerciseAudio(ctx context.Context, plugin *proxy.Plugin, logger *slog.Logger, options exerciseOptions) (track.Handle, error) {
	ready := make(chan streamUp, 1)
	handle, err := plugin.Audio().Create(ctx, options.instance, 44100, 4096, func(result wire.Result, samples []byte) {
		ready <- streamUp{result, samples}
	})
	if err != nil {
		return 0, fmt.Errorf("creating audio stream: %w", err)
	}
	stream, err := await(ctx, ready)
	if err != nil {
		return 0, err
	}
	if stream.result != wire.ResultOK {
		return 0, fmt.Errorf("stream setup failed: %d", stream.result)
	}
	logger.Info("audio stream up", "buffer_bytes", len(stream.samples))

	if err := plugin.Audio().Start(handle); err != nil {
		return 0, fmt.Errorf("starting playback: %w", err)
	}
	select {
	case <-time.After(options.playFor):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if err := plugin.Audio().Stop(handle); err != nil {
		return 0, fmt.Errorf("stopping playback: %w", err)
	}

	written := 0
	for _, sample := range stream.samples {
		if sample != 0 {
			written++
		}
	}
	logger.Info("playback done", "played", options.playFor.String(), "nonzero_bytes", written)
	return handle, nil
}
