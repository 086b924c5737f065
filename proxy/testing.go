// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/capwire/dispatch"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// bufferDigestKey is the BLAKE3 keyed-hash domain for buffer digests.
// The bytes are the ASCII domain name zero-padded to 32; changing them
// breaks digest comparison between versions.
var bufferDigestKey = [32]byte{
	'c', 'a', 'p', 'w', 'i', 'r', 'e', '.', 't', 'e', 's', 't', 'i', 'n', 'g', '.',
	'b', 'u', 'f', 'f', 'e', 'r', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// DigestBuffer computes the keyed digest the testing group reports
// for a shared buffer's content. Harnesses compare digests across the
// channel instead of shipping the bytes back.
func DigestBuffer(data []byte) []byte {
	// NewKeyed only fails for a wrong key length, which the fixed-size
	// array rules out.
	hasher, err := blake3.NewKeyed(bufferDigestKey[:])
	if err != nil {
		panic("proxy: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hasher.Sum(nil)
}

// TestingClient drives the testing group from the plugin side. Calls
// fail unless the host enabled the group.
type TestingClient struct {
	plugin *Plugin
}

// LiveCount reports how many resources the host still tracks for an
// instance. Blocks for the round trip.
func (t *TestingClient) LiveCount(ctx context.Context, instance wire.InstanceID) (uint32, error) {
	msg, err := wire.New(wire.GroupTesting, wire.KindTestingLiveCount, wire.TestingLiveCount{
		Instance: instance,
	})
	if err != nil {
		return 0, err
	}
	reply, handles, err := t.plugin.dispatcher.SyncCall(ctx, msg, nil)
	if err != nil {
		return 0, err
	}
	transit.CloseAll(handles)
	payload, err := wire.DecodePayload[wire.TestingLiveCountReply](reply)
	if err != nil {
		return 0, err
	}
	return payload.Count, nil
}

// BufferDigest asks the host for the keyed digest of its view of a
// shared buffer. Blocks for the round trip.
func (t *TestingClient) BufferDigest(ctx context.Context, handle track.Handle) ([]byte, error) {
	resource, ok := t.plugin.tracker.Get(handle)
	if !ok {
		return nil, fmt.Errorf("proxy: unknown handle %d", handle)
	}
	buffer, ok := resource.(*bufferResource)
	if !ok {
		return nil, fmt.Errorf("proxy: handle %d is not a shared buffer", handle)
	}
	msg, err := wire.New(wire.GroupTesting, wire.KindTestingBufferDigest, wire.TestingBufferDigest{
		Resource: buffer.id,
	})
	if err != nil {
		return nil, err
	}
	reply, handles, err := t.plugin.dispatcher.SyncCall(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	transit.CloseAll(handles)
	payload, err := wire.DecodePayload[wire.TestingBufferDigestReply](reply)
	if err != nil {
		return nil, err
	}
	return payload.Digest, nil
}

// hostTesting answers census and digest queries. Both are sync.
type hostTesting struct {
	host *Host
}

var _ dispatch.Proxy = (*hostTesting)(nil)

func (t *hostTesting) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	if err := requireSync(msg); err != nil {
		return err
	}

	switch msg.Kind {
	case wire.KindTestingLiveCount:
		req, err := wire.DecodePayload[wire.TestingLiveCount](msg)
		if err != nil {
			return t.host.dispatcher.ReplyError(msg, wire.ResultBadArgument)
		}
		return t.host.dispatcher.Reply(msg, wire.TestingLiveCountReply{
			Count: t.host.registry.LiveCount(req.Instance),
		}, nil)

	case wire.KindTestingBufferDigest:
		req, err := wire.DecodePayload[wire.TestingBufferDigest](msg)
		if err != nil {
			return t.host.dispatcher.ReplyError(msg, wire.ResultBadArgument)
		}
		mem, ok := track.Lookup[*transit.SharedMemory](t.host.registry, req.Resource)
		if !ok {
			return t.host.dispatcher.ReplyError(msg, wire.ResultBadResource)
		}
		return t.host.dispatcher.Reply(msg, wire.TestingBufferDigestReply{
			Digest: DigestBuffer(mem.Bytes()),
		}, nil)

	default:
		return t.host.dispatcher.ReplyError(msg, wire.ResultNotSupported)
	}
}
