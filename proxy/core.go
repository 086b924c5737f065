// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"

	"github.com/bureau-foundation/capwire/dispatch"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// AddRef takes an additional local reference on a handle. The host's
// side is pinned by the reference that came with creation; local
// counting alone decides when that pin is returned.
func (p *Plugin) AddRef(handle track.Handle) {
	p.tracker.AddRef(handle)
}

// Release drops one local reference. When the last one drops, pending
// operations on the resource abort and the host is told to free the
// authoritative object.
func (p *Plugin) Release(handle track.Handle) {
	p.tracker.Release(handle, true)
}

// adopt folds a wire identity that arrived carrying a transferred peer
// reference into the tracker. A fresh identity gets a new handle
// owning that reference. An identity already tracked gets a local
// reference on the existing handle instead, and the extra transferred
// reference goes back to the host so the counts stay matched.
func (p *Plugin) adopt(resource track.Resource) track.Handle {
	id := resource.Identity()
	if handle, ok := p.tracker.LookupByIdentity(id); ok {
		p.tracker.AddRef(handle)
		p.sendCoreRelease(id)
		return handle
	}
	return p.tracker.Add(resource)
}

// releaseToPeer is the tracker's release notifier: the last local
// reference dropped. Outstanding operations on the resource abort
// first so no completion waits on an object the host is about to
// free.
func (p *Plugin) releaseToPeer(id wire.ResourceID) {
	p.dispatcher.AbortResource(id)
	p.sendCoreRelease(id)
}

func (p *Plugin) sendCoreRelease(id wire.ResourceID) {
	msg, err := wire.New(wire.GroupCore, wire.KindCoreRelease, wire.CoreRelease{Resource: id})
	if err != nil {
		p.logger.Warn("encoding release notification", "resource", id, "error", err)
		return
	}
	// A dead channel makes the release purely local; the host's side
	// is torn down with the channel.
	if err := p.dispatcher.Send(msg, nil); err != nil {
		p.logger.Debug("release notification not sent", "resource", id, "error", err)
	}
}

// hostCore answers the plugin's reference bookkeeping. Both kinds are
// fire-and-forget.
type hostCore struct {
	host *Host
}

var _ dispatch.Proxy = (*hostCore)(nil)

func (c *hostCore) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	switch msg.Kind {
	case wire.KindCoreAddRef:
		req, err := wire.DecodePayload[wire.CoreAddRef](msg)
		if err != nil {
			return fmt.Errorf("proxy: decoding addref: %w", err)
		}
		c.host.registry.AddPeerRef(req.Resource)
		return nil

	case wire.KindCoreRelease:
		req, err := wire.DecodePayload[wire.CoreRelease](msg)
		if err != nil {
			return fmt.Errorf("proxy: decoding release: %w", err)
		}
		c.host.registry.ReleasePeerRef(req.Resource)
		return nil

	default:
		return fmt.Errorf("proxy: unexpected core message kind %v", msg.Kind)
	}
}
