// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// handleControl services the control group inline on the serve
// goroutine. Every control operation is a sync request with no
// attachments; anything else is a protocol violation.
func (d *Dispatcher) handleControl(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)
	if !msg.Sync || msg.Seq == 0 {
		return fmt.Errorf("dispatch: control message %v is not a sync request", msg.Kind)
	}

	switch msg.Kind {
	case wire.KindSupportsGroup:
		req, err := wire.DecodePayload[wire.SupportsGroup](msg)
		if err != nil {
			return d.ReplyError(msg, wire.ResultBadArgument)
		}
		return d.Reply(msg, wire.SupportsGroupReply{Supported: d.groupSupported(req.Group)}, nil)

	case wire.KindReserveInstance:
		req, err := wire.DecodePayload[wire.ReserveInstance](msg)
		if err != nil {
			return d.ReplyError(msg, wire.ResultBadArgument)
		}
		d.instMu.Lock()
		usable := req.Instance != 0 && !d.reserved[req.Instance]
		if usable {
			d.reserved[req.Instance] = true
		}
		d.instMu.Unlock()
		return d.Reply(msg, wire.ReserveInstanceReply{Usable: usable}, nil)

	default:
		return d.ReplyError(msg, wire.ResultNotSupported)
	}
}

// groupSupported answers the peer's supports-group query. The
// configured hook wins; without one the registered groups answer. The
// control group never has a factory and reports unsupported.
func (d *Dispatcher) groupSupported(group wire.Group) bool {
	if !group.Valid() {
		return false
	}
	if d.supports != nil {
		return d.supports(group)
	}

	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()

	_, ok := d.factories[group]
	return ok
}

// PeerSupportsGroup asks the peer whether it implements a capability
// group.
func (d *Dispatcher) PeerSupportsGroup(ctx context.Context, group wire.Group) (bool, error) {
	msg, err := wire.New(wire.GroupControl, wire.KindSupportsGroup, wire.SupportsGroup{Group: group})
	if err != nil {
		return false, err
	}
	reply, _, err := d.SyncCall(ctx, msg, nil)
	if err != nil {
		return false, err
	}
	answer, err := wire.DecodePayload[wire.SupportsGroupReply](reply)
	if err != nil {
		return false, err
	}
	return answer.Supported, nil
}

// ReserveInstance registers an instance identifier with the peer
// before the first message for that instance. False means the
// identifier is already taken and must not be used.
func (d *Dispatcher) ReserveInstance(ctx context.Context, instance wire.InstanceID) (bool, error) {
	msg, err := wire.New(wire.GroupControl, wire.KindReserveInstance, wire.ReserveInstance{Instance: instance})
	if err != nil {
		return false, err
	}
	reply, _, err := d.SyncCall(ctx, msg, nil)
	if err != nil {
		return false, err
	}
	answer, err := wire.DecodePayload[wire.ReserveInstanceReply](reply)
	if err != nil {
		return false, err
	}
	return answer.Usable, nil
}
