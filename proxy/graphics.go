// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/capwire/dispatch"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// GraphicsClient drives the 2D surface group: paint shared buffers
// into a host-owned surface and flush the result to the screen.
type GraphicsClient struct {
	plugin *Plugin
}

var _ dispatch.Proxy = (*GraphicsClient)(nil)

// graphicsResource is the plugin-side stand-in for one surface. At
// most one flush may be in flight per surface.
type graphicsResource struct {
	id wire.ResourceID

	mu       sync.Mutex
	inFlight bool
}

func (r *graphicsResource) Identity() wire.ResourceID { return r.id }

// Create asks the host for a surface of the given size and returns
// its handle. Blocks for the round trip.
func (c *GraphicsClient) Create(ctx context.Context, instance wire.InstanceID, width, height int32) (track.Handle, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("proxy: surface size %dx%d must be positive", width, height)
	}
	msg, err := wire.New(wire.GroupGraphics, wire.KindGraphicsCreate, wire.GraphicsCreate{
		Instance: instance,
		Width:    width,
		Height:   height,
	})
	if err != nil {
		return 0, err
	}
	reply, handles, err := c.plugin.dispatcher.SyncCall(ctx, msg, nil)
	if err != nil {
		return 0, err
	}
	transit.CloseAll(handles)
	payload, err := wire.DecodePayload[wire.GraphicsCreateReply](reply)
	if err != nil {
		return 0, err
	}
	if payload.Resource.IsZero() {
		return 0, fmt.Errorf("proxy: host created no surface")
	}
	return c.plugin.adopt(&graphicsResource{id: payload.Resource}), nil
}

// PaintBuffer stages a shared buffer's pixels into the surface at an
// offset. Fire-and-forget: the paint becomes visible at the next
// flush.
func (c *GraphicsClient) PaintBuffer(handle, buffer track.Handle, x, y int32) error {
	surface, err := c.resource(handle)
	if err != nil {
		return err
	}
	resource, ok := c.plugin.tracker.Get(buffer)
	if !ok {
		return fmt.Errorf("proxy: unknown handle %d", buffer)
	}
	shared, ok := resource.(*bufferResource)
	if !ok {
		return fmt.Errorf("proxy: handle %d is not a shared buffer", buffer)
	}
	msg, err := wire.New(wire.GroupGraphics, wire.KindGraphicsPaintBuffer, wire.GraphicsPaintBuffer{
		Resource: surface.id,
		Buffer:   shared.id,
		X:        x,
		Y:        y,
	})
	if err != nil {
		return err
	}
	return c.plugin.dispatcher.Send(msg, nil)
}

// Flush commits staged paints. done fires exactly once, on the serve
// goroutine, and may itself issue the next flush. A second flush
// while one is in flight fails with [ErrInProgress] and does not
// disturb the first. done must not block and must not issue
// synchronous calls.
func (c *GraphicsClient) Flush(handle track.Handle, done func(result wire.Result)) error {
	surface, err := c.resource(handle)
	if err != nil {
		return err
	}

	surface.mu.Lock()
	if surface.inFlight {
		surface.mu.Unlock()
		return fmt.Errorf("%w: flush on %v", ErrInProgress, surface.id)
	}
	surface.inFlight = true
	surface.mu.Unlock()

	msg, err := wire.New(wire.GroupGraphics, wire.KindGraphicsFlush, wire.GraphicsFlush{
		Resource: surface.id,
	})
	if err != nil {
		surface.mu.Lock()
		surface.inFlight = false
		surface.mu.Unlock()
		return err
	}
	c.plugin.dispatcher.SendAsync(surface.id, msg, func(result wire.Result, ack *wire.Message) {
		// Clear before firing so done can flush again.
		surface.mu.Lock()
		surface.inFlight = false
		surface.mu.Unlock()
		done(result)
	})
	return nil
}

func (c *GraphicsClient) resource(handle track.Handle) (*graphicsResource, error) {
	resource, ok := c.plugin.tracker.Get(handle)
	if !ok {
		return nil, fmt.Errorf("proxy: unknown handle %d", handle)
	}
	surface, ok := resource.(*graphicsResource)
	if !ok {
		return nil, fmt.Errorf("proxy: handle %d is not a surface", handle)
	}
	return surface, nil
}

// Handle routes flush completions back to their pending records.
func (c *GraphicsClient) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	if msg.Kind != wire.KindGraphicsFlushDone {
		return fmt.Errorf("proxy: unexpected graphics message kind %v", msg.Kind)
	}
	payload, err := wire.DecodePayload[wire.GraphicsFlushDone](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding flush completion: %w", err)
	}
	completion, ok := c.plugin.dispatcher.TakePending(payload.Resource, wire.KindGraphicsFlush, payload.Seq)
	if !ok {
		c.plugin.logger.Debug("dropping stale flush completion",
			"resource", payload.Resource, "seq", payload.Seq)
		return nil
	}
	completion(payload.Result, msg)
	return nil
}

// hostGraphics serves surface requests against the embedder's
// [GraphicsBackend].
type hostGraphics struct {
	host *Host
}

var _ dispatch.Proxy = (*hostGraphics)(nil)

func (g *hostGraphics) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	switch msg.Kind {
	case wire.KindGraphicsCreate:
		return g.create(msg)
	case wire.KindGraphicsPaintBuffer:
		return g.paint(msg)
	case wire.KindGraphicsFlush:
		return g.flush(msg)
	default:
		return fmt.Errorf("proxy: unexpected graphics message kind %v", msg.Kind)
	}
}

func (g *hostGraphics) create(msg *wire.Message) error {
	if err := requireSync(msg); err != nil {
		return err
	}
	req, err := wire.DecodePayload[wire.GraphicsCreate](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding surface create: %w", err)
	}
	surface, err := g.host.backends.Graphics.NewSurface(req.Instance, req.Width, req.Height)
	if err != nil {
		g.host.logger.Warn("surface creation failed",
			"instance", req.Instance, "width", req.Width, "height", req.Height, "error", err)
		return g.host.dispatcher.ReplyError(msg, creationResult(err))
	}
	id := g.host.registry.Register(req.Instance, surface)
	return g.host.dispatcher.Reply(msg, wire.GraphicsCreateReply{Resource: id}, nil)
}

// paint resolves the named buffer in the registry and hands its bytes
// to the surface. Unknown resources drop the paint; there is no
// completion to fail.
func (g *hostGraphics) paint(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.GraphicsPaintBuffer](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding paint: %w", err)
	}
	surface, ok := track.Lookup[Surface](g.host.registry, req.Resource)
	if !ok {
		g.host.logger.Debug("paint on unknown surface", "resource", req.Resource)
		return nil
	}
	buffer, ok := track.Lookup[*transit.SharedMemory](g.host.registry, req.Buffer)
	if !ok {
		g.host.logger.Debug("paint from unknown buffer", "buffer", req.Buffer)
		return nil
	}
	surface.Paint(buffer.Bytes(), req.X, req.Y)
	return nil
}

func (g *hostGraphics) flush(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.GraphicsFlush](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding flush: %w", err)
	}
	surface, ok := track.Lookup[Surface](g.host.registry, req.Resource)
	if !ok {
		return g.host.sendFlushDone(req.Resource, msg.Seq, wire.ResultBadResource)
	}
	resource, seq := req.Resource, msg.Seq
	surface.Flush(func(result wire.Result) {
		if err := g.host.sendFlushDone(resource, seq, result); err != nil {
			g.host.logger.Debug("flush completion not sent", "resource", resource, "error", err)
		}
	})
	return nil
}

func (h *Host) sendFlushDone(resource wire.ResourceID, seq uint64, result wire.Result) error {
	msg, err := wire.New(wire.GroupGraphics, wire.KindGraphicsFlushDone, wire.GraphicsFlushDone{
		Resource: resource,
		Seq:      seq,
		Result:   result,
	})
	if err != nil {
		return err
	}
	return h.dispatcher.Send(msg, nil)
}
