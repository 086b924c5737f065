// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/capwire/channel"
	"github.com/bureau-foundation/capwire/dispatch"
	"github.com/bureau-foundation/capwire/lib/clock"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/wire"
)

// PluginOptions adjust plugin-side construction. The zero value is
// ready to use.
type PluginOptions struct {
	// Logger receives structured diagnostics. Nil discards everything.
	Logger *slog.Logger

	// Clock drives synchronous call timeouts. Nil means the real
	// clock; tests inject a fake.
	Clock clock.Clock

	// SyncTimeout bounds every synchronous round trip. Zero means the
	// dispatch package default.
	SyncTimeout time.Duration
}

// Plugin is the plugin-side bundle: a dispatcher bound to the channel,
// the resource tracker, and one client per capability group. Construct
// it with [NewPlugin], run [Plugin.Serve] in its own goroutine, then
// drive capabilities through the group accessors.
type Plugin struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	tracker    *track.Tracker

	testing *TestingClient
}

// NewPlugin wires a plugin bundle onto a connected channel. The
// channel must not be used by anyone else afterwards.
func NewPlugin(ch channel.Channel, options PluginOptions) *Plugin {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	p := &Plugin{logger: logger}
	p.tracker = track.NewTracker(logger, p.releaseToPeer)
	p.dispatcher = dispatch.New(dispatch.Config{
		Channel:     ch,
		Logger:      logger,
		Clock:       options.Clock,
		Tracker:     p.tracker,
		SyncTimeout: options.SyncTimeout,
	})
	p.testing = &TestingClient{plugin: p}

	// Group clients double as the inbound proxies for their groups, so
	// a completion lands on the same object that issued the request.
	// Construction stays lazy: the dispatcher builds a client on the
	// first inbound message or accessor call for its group.
	p.dispatcher.RegisterGroup(wire.GroupFileChooser, func(*dispatch.Dispatcher) dispatch.Proxy {
		return &FileChooserClient{plugin: p}
	})
	p.dispatcher.RegisterGroup(wire.GroupFileSystem, func(*dispatch.Dispatcher) dispatch.Proxy {
		return &FileSystemClient{plugin: p}
	})
	p.dispatcher.RegisterGroup(wire.GroupGraphics, func(*dispatch.Dispatcher) dispatch.Proxy {
		return &GraphicsClient{plugin: p}
	})
	p.dispatcher.RegisterGroup(wire.GroupBuffer, func(*dispatch.Dispatcher) dispatch.Proxy {
		return &BufferClient{plugin: p}
	})
	p.dispatcher.RegisterGroup(wire.GroupLoader, func(*dispatch.Dispatcher) dispatch.Proxy {
		return &LoaderClient{plugin: p}
	})
	p.dispatcher.RegisterGroup(wire.GroupAudio, func(*dispatch.Dispatcher) dispatch.Proxy {
		return &AudioClient{plugin: p}
	})
	return p
}

// Serve runs the receive loop until the peer closes the channel, the
// context ends, or a protocol violation tears the channel down. See
// [dispatch.Dispatcher.Serve].
func (p *Plugin) Serve(ctx context.Context) error {
	return p.dispatcher.Serve(ctx)
}

// Close tears the bundle down: pending completions fire with
// ResultAborted, tracked resources are released locally without peer
// notification, and later sends fail fast.
func (p *Plugin) Close() error {
	return p.dispatcher.Close()
}

// Dispatcher exposes the underlying dispatcher.
func (p *Plugin) Dispatcher() *dispatch.Dispatcher { return p.dispatcher }

// Tracker exposes the resource table.
func (p *Plugin) Tracker() *track.Tracker { return p.tracker }

// PeerSupportsGroup asks the host whether a capability group is
// available before committing to it.
func (p *Plugin) PeerSupportsGroup(ctx context.Context, group wire.Group) (bool, error) {
	return p.dispatcher.PeerSupportsGroup(ctx, group)
}

// ReserveInstance claims an instance identifier with the host. Every
// resource creation names an instance; reserve it first.
func (p *Plugin) ReserveInstance(ctx context.Context, instance wire.InstanceID) (bool, error) {
	return p.dispatcher.ReserveInstance(ctx, instance)
}

// FileChooser returns the file-chooser group client.
func (p *Plugin) FileChooser() *FileChooserClient {
	return p.client(wire.GroupFileChooser).(*FileChooserClient)
}

// FileSystem returns the file-system group client.
func (p *Plugin) FileSystem() *FileSystemClient {
	return p.client(wire.GroupFileSystem).(*FileSystemClient)
}

// Graphics returns the 2D surface group client.
func (p *Plugin) Graphics() *GraphicsClient {
	return p.client(wire.GroupGraphics).(*GraphicsClient)
}

// Buffer returns the shared-buffer group client.
func (p *Plugin) Buffer() *BufferClient {
	return p.client(wire.GroupBuffer).(*BufferClient)
}

// Loader returns the URL loader group client.
func (p *Plugin) Loader() *LoaderClient {
	return p.client(wire.GroupLoader).(*LoaderClient)
}

// Audio returns the audio group client.
func (p *Plugin) Audio() *AudioClient {
	return p.client(wire.GroupAudio).(*AudioClient)
}

// Testing returns the testing group client. Calls fail unless the
// host was built with testing enabled.
func (p *Plugin) Testing() *TestingClient { return p.testing }

func (p *Plugin) client(group wire.Group) dispatch.Proxy {
	proxy, ok := p.dispatcher.Proxy(group)
	if !ok {
		// Every group above is registered in NewPlugin.
		panic("proxy: group not registered")
	}
	return proxy
}
