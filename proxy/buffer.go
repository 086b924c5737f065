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

// BufferClient drives the shared-buffer group: the host allocates a
// memory region both processes map, and the plugin paints or fills it
// without copies crossing the channel.
type BufferClient struct {
	plugin *Plugin
}

var _ dispatch.Proxy = (*BufferClient)(nil)

// bufferResource is the plugin-side stand-in for one shared buffer.
// It owns the local mapping; the last release unmaps it.
type bufferResource struct {
	id  wire.ResourceID
	mem *transit.SharedMemory
}

func (r *bufferResource) Identity() wire.ResourceID { return r.id }

func (r *bufferResource) Close() error { return r.mem.Close() }

// Create asks the host for a shared buffer of at least size bytes,
// maps the region it sends back, and returns the handle. Blocks for
// the round trip.
func (c *BufferClient) Create(ctx context.Context, instance wire.InstanceID, size uint32) (track.Handle, error) {
	if size == 0 {
		return 0, fmt.Errorf("proxy: buffer size must be positive")
	}
	msg, err := wire.New(wire.GroupBuffer, wire.KindBufferCreate, wire.BufferCreate{
		Instance: instance,
		Size:     size,
	})
	if err != nil {
		return 0, err
	}
	reply, handles, err := c.plugin.dispatcher.SyncCall(ctx, msg, nil)
	if err != nil {
		return 0, err
	}
	payload, err := wire.DecodePayload[wire.BufferCreateReply](reply)
	if err != nil {
		transit.CloseAll(handles)
		return 0, err
	}
	if payload.Resource.IsZero() {
		transit.CloseAll(handles)
		return 0, fmt.Errorf("proxy: host created no buffer")
	}
	if len(handles) != 1 {
		// The reply named a live resource but its region never made
		// it; give the reference back so the host frees the object.
		transit.CloseAll(handles)
		c.plugin.sendCoreRelease(payload.Resource)
		return 0, fmt.Errorf("proxy: buffer reply carried %d handles, want 1", len(handles))
	}
	mem, err := transit.MapSharedMemory(handles[0], payload.ByteLength)
	if err != nil {
		c.plugin.sendCoreRelease(payload.Resource)
		return 0, err
	}
	return c.plugin.adopt(&bufferResource{id: payload.Resource, mem: mem}), nil
}

// Bytes returns the mapped region behind a buffer handle. Writes are
// visible to the host immediately. The slice is valid until the
// handle's last reference drops.
func (c *BufferClient) Bytes(handle track.Handle) ([]byte, error) {
	buffer, err := c.resource(handle)
	if err != nil {
		return nil, err
	}
	return buffer.mem.Bytes(), nil
}

func (c *BufferClient) resource(handle track.Handle) (*bufferResource, error) {
	resource, ok := c.plugin.tracker.Get(handle)
	if !ok {
		return nil, fmt.Errorf("proxy: unknown handle %d", handle)
	}
	buffer, ok := resource.(*bufferResource)
	if !ok {
		return nil, fmt.Errorf("proxy: handle %d is not a shared buffer", handle)
	}
	return buffer, nil
}

// Handle rejects everything: the host never pushes buffer messages.
func (c *BufferClient) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)
	return fmt.Errorf("proxy: unexpected buffer message kind %v", msg.Kind)
}

// hostBuffer serves buffer requests against the embedder's
// [BufferBackend].
type hostBuffer struct {
	host *Host
}

var _ dispatch.Proxy = (*hostBuffer)(nil)

func (b *hostBuffer) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	if msg.Kind != wire.KindBufferCreate {
		return fmt.Errorf("proxy: unexpected buffer message kind %v", msg.Kind)
	}
	if err := requireSync(msg); err != nil {
		return err
	}
	req, err := wire.DecodePayload[wire.BufferCreate](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding buffer create: %w", err)
	}
	if req.Size == 0 {
		return b.host.dispatcher.ReplyError(msg, wire.ResultBadArgument)
	}
	mem, err := b.host.backends.Buffer.NewBuffer(req.Instance, req.Size)
	if err != nil {
		b.host.logger.Warn("buffer allocation failed",
			"instance", req.Instance, "size", req.Size, "error", err)
		return b.host.dispatcher.ReplyError(msg, creationResult(err))
	}
	handle, err := mem.Handle()
	if err != nil {
		mem.Close()
		b.host.logger.Warn("buffer export failed", "instance", req.Instance, "error", err)
		return b.host.dispatcher.ReplyError(msg, wire.ResultFailed)
	}
	id := b.host.registry.Register(req.Instance, mem)
	return b.host.dispatcher.Reply(msg, wire.BufferCreateReply{
		Resource:   id,
		ByteLength: uint32(mem.Len()),
	}, []transit.Handle{handle})
}
