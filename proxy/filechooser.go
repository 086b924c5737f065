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

// FileChooserClient drives the file-chooser group: the host shows a
// native picker and reports which files the user selected.
type FileChooserClient struct {
	plugin *Plugin
}

var _ dispatch.Proxy = (*FileChooserClient)(nil)

// chooserResource is the plugin-side stand-in for one chooser session.
type chooserResource struct {
	id wire.ResourceID
}

func (r *chooserResource) Identity() wire.ResourceID { return r.id }

// Create asks the host for a chooser session and returns its handle.
// Blocks for the round trip.
func (c *FileChooserClient) Create(ctx context.Context, instance wire.InstanceID, mode wire.FileChooserMode, acceptTypes string) (track.Handle, error) {
	msg, err := wire.New(wire.GroupFileChooser, wire.KindFileChooserCreate, wire.FileChooserCreate{
		Instance:    instance,
		Mode:        mode,
		AcceptTypes: acceptTypes,
	})
	if err != nil {
		return 0, err
	}
	reply, handles, err := c.plugin.dispatcher.SyncCall(ctx, msg, nil)
	if err != nil {
		return 0, err
	}
	transit.CloseAll(handles)
	payload, err := wire.DecodePayload[wire.FileChooserCreateReply](reply)
	if err != nil {
		return 0, err
	}
	if payload.Resource.IsZero() {
		return 0, fmt.Errorf("proxy: host created no chooser")
	}
	return c.plugin.adopt(&chooserResource{id: payload.Resource}), nil
}

// Show runs the chooser. done fires exactly once, on the serve
// goroutine: ResultOK with the chosen files (possibly none), an error
// result, or ResultAborted if the resource is released or the channel
// dies first. done must not block and must not issue synchronous
// calls.
func (c *FileChooserClient) Show(handle track.Handle, done func(result wire.Result, files []wire.ChosenFile)) error {
	chooser, err := c.resource(handle)
	if err != nil {
		return err
	}
	msg, err := wire.New(wire.GroupFileChooser, wire.KindFileChooserShow, wire.FileChooserShow{
		Resource: chooser.id,
	})
	if err != nil {
		return err
	}
	c.plugin.dispatcher.SendAsync(chooser.id, msg, func(result wire.Result, ack *wire.Message) {
		if ack == nil || result != wire.ResultOK {
			done(result, nil)
			return
		}
		payload, err := wire.DecodePayload[wire.FileChooserChooseDone](ack)
		if err != nil {
			c.plugin.logger.Warn("malformed choose completion", "resource", chooser.id, "error", err)
			done(wire.ResultFailed, nil)
			return
		}
		done(result, payload.Files)
	})
	return nil
}

func (c *FileChooserClient) resource(handle track.Handle) (*chooserResource, error) {
	resource, ok := c.plugin.tracker.Get(handle)
	if !ok {
		return nil, fmt.Errorf("proxy: unknown handle %d", handle)
	}
	chooser, ok := resource.(*chooserResource)
	if !ok {
		return nil, fmt.Errorf("proxy: handle %d is not a file chooser", handle)
	}
	return chooser, nil
}

// Handle routes show completions back to their pending records.
func (c *FileChooserClient) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	if msg.Kind != wire.KindFileChooserChooseDone {
		return fmt.Errorf("proxy: unexpected file chooser message kind %v", msg.Kind)
	}
	payload, err := wire.DecodePayload[wire.FileChooserChooseDone](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding choose completion: %w", err)
	}
	completion, ok := c.plugin.dispatcher.TakePending(payload.Resource, wire.KindFileChooserShow, payload.Seq)
	if !ok {
		c.plugin.logger.Debug("dropping stale choose completion",
			"resource", payload.Resource, "seq", payload.Seq)
		return nil
	}
	completion(payload.Result, msg)
	return nil
}

// hostFileChooser serves chooser requests against the embedder's
// [FileChooserBackend].
type hostFileChooser struct {
	host *Host
}

var _ dispatch.Proxy = (*hostFileChooser)(nil)

func (f *hostFileChooser) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	switch msg.Kind {
	case wire.KindFileChooserCreate:
		return f.create(msg)
	case wire.KindFileChooserShow:
		return f.show(msg)
	default:
		return fmt.Errorf("proxy: unexpected file chooser message kind %v", msg.Kind)
	}
}

func (f *hostFileChooser) create(msg *wire.Message) error {
	if err := requireSync(msg); err != nil {
		return err
	}
	req, err := wire.DecodePayload[wire.FileChooserCreate](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding chooser create: %w", err)
	}
	chooser, err := f.host.backends.FileChooser.NewChooser(req.Instance, req.Mode, req.AcceptTypes)
	if err != nil {
		f.host.logger.Warn("chooser creation failed", "instance", req.Instance, "error", err)
		return f.host.dispatcher.ReplyError(msg, creationResult(err))
	}
	id := f.host.registry.Register(req.Instance, chooser)
	return f.host.dispatcher.Reply(msg, wire.FileChooserCreateReply{Resource: id}, nil)
}

func (f *hostFileChooser) show(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.FileChooserShow](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding chooser show: %w", err)
	}
	chooser, ok := track.Lookup[Chooser](f.host.registry, req.Resource)
	if !ok {
		return f.host.sendChooseDone(req.Resource, msg.Seq, wire.ResultBadResource, nil)
	}
	resource, seq := req.Resource, msg.Seq
	chooser.Show(func(result wire.Result, files []wire.ChosenFile) {
		if err := f.host.sendChooseDone(resource, seq, result, files); err != nil {
			f.host.logger.Debug("choose completion not sent", "resource", resource, "error", err)
		}
	})
	return nil
}

func (h *Host) sendChooseDone(resource wire.ResourceID, seq uint64, result wire.Result, files []wire.ChosenFile) error {
	msg, err := wire.New(wire.GroupFileChooser, wire.KindFileChooserChooseDone, wire.FileChooserChooseDone{
		Resource: resource,
		Seq:      seq,
		Result:   result,
		Files:    files,
	})
	if err != nil {
		return err
	}
	return h.dispatcher.Send(msg, nil)
}
