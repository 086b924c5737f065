// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/capwire/channel"
	"github.com/bureau-foundation/capwire/dispatch"
	"github.com/bureau-foundation/capwire/lib/clock"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/wire"
)

// HostOptions adjust host-side construction. The zero value is ready
// to use.
type HostOptions struct {
	// Logger receives structured diagnostics. Nil discards everything.
	Logger *slog.Logger

	// Clock drives synchronous call timeouts. Nil means the real
	// clock.
	Clock clock.Clock

	// SyncTimeout bounds every synchronous round trip. Zero means the
	// dispatch package default.
	SyncTimeout time.Duration

	// SupportsGroup overrides the supports-group answer, typically
	// from a capability policy. Nil answers from the registered
	// backends alone. The override cannot enable a group that has no
	// backend; requests for it still fail with ResultNotSupported.
	SupportsGroup func(group wire.Group) bool

	// EnableTesting registers the testing group: live-object census
	// and buffer digests. Off by default; meant for harnesses, not
	// production hosts.
	EnableTesting bool
}

// Host is the host-side bundle: a dispatcher bound to the channel, the
// authoritative resource registry, and one handler per capability
// group, backed by the embedder's [Backends]. A nil backend leaves its
// group unregistered, so the plugin sees it as unsupported.
type Host struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	registry   *track.HostRegistry
	backends   Backends
}

// NewHost wires a host bundle onto a connected channel. The channel
// must not be used by anyone else afterwards.
func NewHost(ch channel.Channel, backends Backends, options HostOptions) *Host {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	h := &Host{logger: logger, backends: backends}
	h.registry = track.NewHostRegistry(logger)
	h.dispatcher = dispatch.New(dispatch.Config{
		Channel:       ch,
		Logger:        logger,
		Clock:         options.Clock,
		Registry:      h.registry,
		SupportsGroup: supportsWithPolicy(backends, options.EnableTesting, options.SupportsGroup),
		SyncTimeout:   options.SyncTimeout,
	})

	h.dispatcher.RegisterGroup(wire.GroupCore, func(*dispatch.Dispatcher) dispatch.Proxy {
		return &hostCore{host: h}
	})
	if backends.FileChooser != nil {
		h.dispatcher.RegisterGroup(wire.GroupFileChooser, func(*dispatch.Dispatcher) dispatch.Proxy {
			return &hostFileChooser{host: h}
		})
	}
	if backends.FileSystem != nil {
		h.dispatcher.RegisterGroup(wire.GroupFileSystem, func(*dispatch.Dispatcher) dispatch.Proxy {
			return &hostFileSystem{host: h}
		})
	}
	if backends.Graphics != nil {
		h.dispatcher.RegisterGroup(wire.GroupGraphics, func(*dispatch.Dispatcher) dispatch.Proxy {
			return &hostGraphics{host: h}
		})
	}
	if backends.Buffer != nil {
		h.dispatcher.RegisterGroup(wire.GroupBuffer, func(*dispatch.Dispatcher) dispatch.Proxy {
			return &hostBuffer{host: h}
		})
	}
	if backends.Loader != nil {
		h.dispatcher.RegisterGroup(wire.GroupLoader, func(*dispatch.Dispatcher) dispatch.Proxy {
			return &hostLoader{host: h}
		})
	}
	if backends.Audio != nil {
		h.dispatcher.RegisterGroup(wire.GroupAudio, func(*dispatch.Dispatcher) dispatch.Proxy {
			return &hostAudio{host: h}
		})
	}
	if options.EnableTesting {
		h.dispatcher.RegisterGroup(wire.GroupTesting, func(*dispatch.Dispatcher) dispatch.Proxy {
			return &hostTesting{host: h}
		})
	}
	return h
}

// supportsWithPolicy intersects the policy hook with the registered
// backends: a policy can forbid a backed group but never conjure an
// unbacked one. Core and testing are infrastructure, outside policy.
func supportsWithPolicy(backends Backends, enableTesting bool, policy func(wire.Group) bool) func(wire.Group) bool {
	if policy == nil {
		return nil
	}
	return func(group wire.Group) bool {
		switch group {
		case wire.GroupCore:
			return true
		case wire.GroupTesting:
			return enableTesting
		}
		if !policy(group) {
			return false
		}
		switch group {
		case wire.GroupFileChooser:
			return backends.FileChooser != nil
		case wire.GroupFileSystem:
			return backends.FileSystem != nil
		case wire.GroupGraphics:
			return backends.Graphics != nil
		case wire.GroupBuffer:
			return backends.Buffer != nil
		case wire.GroupLoader:
			return backends.Loader != nil
		case wire.GroupAudio:
			return backends.Audio != nil
		default:
			return false
		}
	}
}

// Serve runs the receive loop until the peer closes the channel, the
// context ends, or a protocol violation tears the channel down. See
// [dispatch.Dispatcher.Serve].
func (h *Host) Serve(ctx context.Context) error {
	return h.dispatcher.Serve(ctx)
}

// Close tears the bundle down: every registered backend object is
// closed and later sends fail fast.
func (h *Host) Close() error {
	return h.dispatcher.Close()
}

// Dispatcher exposes the underlying dispatcher.
func (h *Host) Dispatcher() *dispatch.Dispatcher { return h.dispatcher }

// Registry exposes the authoritative resource table.
func (h *Host) Registry() *track.HostRegistry { return h.registry }

// DropInstance releases every resource belonging to an instance,
// closing backend objects. For tearing down one plugin instance while
// the channel stays up.
func (h *Host) DropInstance(instance wire.InstanceID) {
	h.registry.DropInstance(instance)
}

// creationResult maps a backend construction error to the wire result
// code the plugin sees.
func creationResult(err error) wire.Result {
	if errors.Is(err, ErrNoSpace) {
		return wire.ResultNoSpace
	}
	return wire.ResultFailed
}

// requireSync rejects a request no reply can be routed for: replies
// correlate by the request's sequence number, so a handler that must
// answer in the same round trip needs one.
func requireSync(msg *wire.Message) error {
	if !msg.Sync || msg.Seq == 0 {
		return fmt.Errorf("proxy: %v is not a sync request", msg.Kind)
	}
	return nil
}
