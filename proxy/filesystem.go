// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/capwire/dispatch"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// FileSystemClient drives the file-system group: a sandboxed store the
// host opens on the plugin's behalf.
type FileSystemClient struct {
	plugin *Plugin
}

var _ dispatch.Proxy = (*FileSystemClient)(nil)

// fileSystemResource is the plugin-side stand-in for one file system.
type fileSystemResource struct {
	id wire.ResourceID
}

func (r *fileSystemResource) Identity() wire.ResourceID { return r.id }

// Create asks the host for a file system of the given kind and
// returns its handle. Blocks for the round trip.
func (c *FileSystemClient) Create(ctx context.Context, instance wire.InstanceID, kind wire.FileSystemKind) (track.Handle, error) {
	msg, err := wire.New(wire.GroupFileSystem, wire.KindFileSystemCreate, wire.FileSystemCreate{
		Instance: instance,
		Kind:     kind,
	})
	if err != nil {
		return 0, err
	}
	reply, handles, err := c.plugin.dispatcher.SyncCall(ctx, msg, nil)
	if err != nil {
		return 0, err
	}
	transit.CloseAll(handles)
	payload, err := wire.DecodePayload[wire.FileSystemCreateReply](reply)
	if err != nil {
		return 0, err
	}
	if payload.Resource.IsZero() {
		return 0, fmt.Errorf("proxy: host created no file system")
	}
	return c.plugin.adopt(&fileSystemResource{id: payload.Resource}), nil
}

// Open prepares the backing store for an expected total size. done
// fires exactly once, on the serve goroutine: ResultOK, ResultNoSpace
// for a quota the expected size would bust, another error result, or
// ResultAborted if the resource is released or the channel dies
// first. done must not block and must not issue synchronous calls.
func (c *FileSystemClient) Open(handle track.Handle, expectedSize int64, done func(result wire.Result)) error {
	fs, err := c.resource(handle)
	if err != nil {
		return err
	}
	msg, err := wire.New(wire.GroupFileSystem, wire.KindFileSystemOpen, wire.FileSystemOpen{
		Resource:     fs.id,
		ExpectedSize: expectedSize,
	})
	if err != nil {
		return err
	}
	c.plugin.dispatcher.SendAsync(fs.id, msg, func(result wire.Result, ack *wire.Message) {
		done(result)
	})
	return nil
}

func (c *FileSystemClient) resource(handle track.Handle) (*fileSystemResource, error) {
	resource, ok := c.plugin.tracker.Get(handle)
	if !ok {
		return nil, fmt.Errorf("proxy: unknown handle %d", handle)
	}
	fs, ok := resource.(*fileSystemResource)
	if !ok {
		return nil, fmt.Errorf("proxy: handle %d is not a file system", handle)
	}
	return fs, nil
}

// Handle routes open completions back to their pending records.
func (c *FileSystemClient) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	if msg.Kind != wire.KindFileSystemOpenDone {
		return fmt.Errorf("proxy: unexpected file system message kind %v", msg.Kind)
	}
	payload, err := wire.DecodePayload[wire.FileSystemOpenDone](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding open completion: %w", err)
	}
	completion, ok := c.plugin.dispatcher.TakePending(payload.Resource, wire.KindFileSystemOpen, payload.Seq)
	if !ok {
		c.plugin.logger.Debug("dropping stale open completion",
			"resource", payload.Resource, "seq", payload.Seq)
		return nil
	}
	completion(payload.Result, msg)
	return nil
}

// hostFileSystem serves file-system requests against the embedder's
// [FileSystemBackend].
type hostFileSystem struct {
	host *Host
}

var _ dispatch.Proxy = (*hostFileSystem)(nil)

func (f *hostFileSystem) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	switch msg.Kind {
	case wire.KindFileSystemCreate:
		return f.create(msg)
	case wire.KindFileSystemOpen:
		return f.open(msg)
	default:
		return fmt.Errorf("proxy: unexpected file system message kind %v", msg.Kind)
	}
}

func (f *hostFileSystem) create(msg *wire.Message) error {
	if err := requireSync(msg); err != nil {
		return err
	}
	req, err := wire.DecodePayload[wire.FileSystemCreate](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding file system create: %w", err)
	}
	fs, err := f.host.backends.FileSystem.NewFileSystem(req.Instance, req.Kind)
	if err != nil {
		f.host.logger.Warn("file system creation failed",
			"instance", req.Instance, "kind", req.Kind, "error", err)
		return f.host.dispatcher.ReplyError(msg, creationResult(err))
	}
	id := f.host.registry.Register(req.Instance, fs)
	return f.host.dispatcher.Reply(msg, wire.FileSystemCreateReply{Resource: id}, nil)
}

func (f *hostFileSystem) open(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.FileSystemOpen](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding file system open: %w", err)
	}
	fs, ok := track.Lookup[FileSystem](f.host.registry, req.Resource)
	if !ok {
		return f.host.sendFileSystemOpenDone(req.Resource, msg.Seq, wire.ResultBadResource)
	}
	resource, seq := req.Resource, msg.Seq
	fs.Open(req.ExpectedSize, func(result wire.Result) {
		if err := f.host.sendFileSystemOpenDone(resource, seq, result); err != nil {
			f.host.logger.Debug("open completion not sent", "resource", resource, "error", err)
		}
	})
	return nil
}

func (h *Host) sendFileSystemOpenDone(resource wire.ResourceID, seq uint64, result wire.Result) error {
	msg, err := wire.New(wire.GroupFileSystem, wire.KindFileSystemOpenDone, wire.FileSystemOpenDone{
		Resource: resource,
		Seq:      seq,
		Result:   result,
	})
	if err != nil {
		return err
	}
	return h.dispatcher.Send(msg, nil)
}
