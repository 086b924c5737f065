// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/capwire/channel"
	"github.com/bureau-foundation/capwire/lib/clock"
	"github.com/bureau-foundation/capwire/lib/codec"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// defaultSyncTimeout bounds SyncCall when Config.SyncTimeout is zero.
const defaultSyncTimeout = 30 * time.Second

// Proxy handles inbound messages for one capability group. Handle runs
// on the dispatcher's serve goroutine, so it must not block; work that
// waits on anything other than the local tables is handed off to its
// own goroutine. The handles passed in are owned by the proxy, which
// must close them on every path that does not keep them. A returned
// error is a protocol violation and tears the channel down.
type Proxy interface {
	Handle(msg *wire.Message, handles []transit.Handle) error
}

// Factory builds the proxy for a group the first time a message for
// that group arrives or the application asks for it. It runs under the
// dispatcher's registration lock and must not call back into Proxy.
type Factory func(d *Dispatcher) Proxy

// Config configures a Dispatcher.
type Config struct {
	// Channel carries the traffic. Required.
	Channel channel.Channel

	// Logger receives dispatcher diagnostics. Nil discards.
	Logger *slog.Logger

	// Clock drives sync-call timeouts. Nil uses the real clock.
	Clock clock.Clock

	// Tracker, when set, is abandoned on teardown so plugin-side
	// resource objects release their descriptors and mappings.
	Tracker *track.Tracker

	// Registry, when set, is abandoned on teardown so host-side
	// backends are closed.
	Registry *track.HostRegistry

	// SupportsGroup, when set, answers the peer's supports-group
	// query. Nil answers from the set of registered groups. The host
	// side installs its capability policy here.
	SupportsGroup func(wire.Group) bool

	// SyncTimeout bounds how long SyncCall waits for a reply. Zero
	// means 30 seconds.
	SyncTimeout time.Duration
}

// Dispatcher routes one channel's traffic. Create with New, register
// capability groups, then run Serve on its own goroutine.
type Dispatcher struct {
	channel  channel.Channel
	logger   *slog.Logger
	clock    clock.Clock
	tracker  *track.Tracker
	registry *track.HostRegistry
	supports func(wire.Group) bool
	timeout  time.Duration

	seq atomic.Uint64

	proxyMu   sync.Mutex
	factories map[wire.Group]Factory
	proxies   map[wire.Group]Proxy

	pendingMu sync.Mutex
	pending   map[pendingKey]Completion

	syncMu  sync.Mutex
	waiters map[uint64]chan syncReply

	instMu   sync.Mutex
	reserved map[wire.InstanceID]bool

	failOnce sync.Once
	done     chan struct{}
	failErr  error
}

// New creates a dispatcher for a channel. A nil Config.Channel is a
// programming error.
func New(config Config) *Dispatcher {
	if config.Channel == nil {
		panic("dispatch: Config.Channel is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	timeout := config.SyncTimeout
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	return &Dispatcher{
		channel:   config.Channel,
		logger:    logger,
		clock:     clk,
		tracker:   config.Tracker,
		registry:  config.Registry,
		supports:  config.SupportsGroup,
		timeout:   timeout,
		factories: make(map[wire.Group]Factory),
		proxies:   make(map[wire.Group]Proxy),
		pending:   make(map[pendingKey]Completion),
		waiters:   make(map[uint64]chan syncReply),
		reserved:  make(map[wire.InstanceID]bool),
		done:      make(chan struct{}),
	}
}

// Logger returns the dispatcher's logger for proxies to share.
func (d *Dispatcher) Logger() *slog.Logger {
	return d.logger
}

// RegisterGroup installs the factory for a capability group. Groups
// are registered before Serve starts. Registering the control group,
// an invalid group, or a group twice is a programming error.
func (d *Dispatcher) RegisterGroup(group wire.Group, factory Factory) {
	if group == wire.GroupControl {
		panic("dispatch: the control group is handled by the dispatcher")
	}
	if !group.Valid() {
		panic(fmt.Sprintf("dispatch: invalid group %d", uint32(group)))
	}

	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()

	if _, ok := d.factories[group]; ok {
		panic(fmt.Sprintf("dispatch: group %v registered twice", group))
	}
	d.factories[group] = factory
}

// Proxy returns the proxy for a group, creating it on first use.
func (d *Dispatcher) Proxy(group wire.Group) (Proxy, bool) {
	d.proxyMu.Lock()
	defer d.proxyMu.Unlock()

	return d.proxyLocked(group)
}

func (d *Dispatcher) proxyLocked(group wire.Group) (Proxy, bool) {
	if proxy, ok := d.proxies[group]; ok {
		return proxy, true
	}
	factory, ok := d.factories[group]
	if !ok {
		return nil, false
	}
	proxy := factory(d)
	d.proxies[group] = proxy
	return proxy, true
}

// NextSeq returns a fresh sequence number, unique for the lifetime of
// the channel.
func (d *Dispatcher) NextSeq() uint64 {
	return d.seq.Add(1)
}

// Send writes a message to the peer. The handles are consumed whether
// or not the write succeeds. After teardown Send fails with
// channel.ErrClosed without touching the wire.
func (d *Dispatcher) Send(msg *wire.Message, handles []transit.Handle) error {
	select {
	case <-d.done:
		transit.CloseAll(handles)
		return channel.ErrClosed
	default:
	}
	return d.channel.Send(msg, handles)
}

// Reply answers a synchronous request with a payload and optional
// attachments. The handles are consumed.
func (d *Dispatcher) Reply(request *wire.Message, payload any, handles []transit.Handle) error {
	raw, err := codec.Marshal(payload)
	if err != nil {
		transit.CloseAll(handles)
		return fmt.Errorf("dispatch: encoding %v reply: %w", request.Kind, err)
	}
	return d.Send(&wire.Message{
		Group:   request.Group,
		Kind:    request.Kind,
		ReplyTo: request.Seq,
		Payload: raw,
	}, handles)
}

// ReplyError answers a synchronous request with only an envelope-level
// result. Used when no payload can be produced: the group is not
// supported or the request failed to decode.
func (d *Dispatcher) ReplyError(request *wire.Message, result wire.Result) error {
	return d.Send(&wire.Message{
		Group:   request.Group,
		Kind:    request.Kind,
		ReplyTo: request.Seq,
		Result:  result,
	}, nil)
}

// Serve runs the receive loop until the channel dies, the context is
// canceled, or a protocol violation forces teardown. It returns nil on
// clean closure (local Close, context cancel, peer hangup) and the
// offending error otherwise. Only one Serve runs per dispatcher.
func (d *Dispatcher) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { d.fail(channel.ErrClosed) })
	defer stop()

	for {
		msg, handles, err := d.channel.Recv()
		if err != nil {
			d.fail(err)
			if errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return err
		}
		if err := d.route(msg, handles); err != nil {
			d.fail(err)
			return err
		}
	}
}

// route delivers one inbound message. A returned error tears the
// channel down; recoverable conditions (a stale reply, a sync request
// for an unsupported group) are answered or dropped here.
func (d *Dispatcher) route(msg *wire.Message, handles []transit.Handle) error {
	if msg.ReplyTo != 0 {
		d.deliverReply(msg, handles)
		return nil
	}
	if !msg.Group.Valid() {
		transit.CloseAll(handles)
		return fmt.Errorf("dispatch: message for invalid group %d", uint32(msg.Group))
	}
	if msg.Kind.Group() != msg.Group {
		transit.CloseAll(handles)
		return fmt.Errorf("dispatch: kind %v does not belong to group %v", msg.Kind, msg.Group)
	}
	if msg.Group == wire.GroupControl {
		return d.handleControl(msg, handles)
	}

	d.proxyMu.Lock()
	proxy, ok := d.proxyLocked(msg.Group)
	d.proxyMu.Unlock()
	if !ok {
		transit.CloseAll(handles)
		if msg.Sync {
			// The peer probed an optional capability; answer no.
			return d.ReplyError(msg, wire.ResultNotSupported)
		}
		return fmt.Errorf("dispatch: no proxy for group %v", msg.Group)
	}
	return proxy.Handle(msg, handles)
}

// Close tears the dispatcher down: outstanding completions fire with
// ResultAborted, the resource tables are abandoned, and the channel is
// closed. Idempotent.
func (d *Dispatcher) Close() error {
	d.fail(channel.ErrClosed)
	return nil
}

// Done is closed once the dispatcher has torn down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the teardown cause after Done is closed, nil before.
func (d *Dispatcher) Err() error {
	select {
	case <-d.done:
		return d.failErr
	default:
		return nil
	}
}

// fail performs teardown exactly once. Completions fire before the
// tables are abandoned so they observe their resources still intact.
func (d *Dispatcher) fail(cause error) {
	d.failOnce.Do(func() {
		d.failErr = cause
		close(d.done)
		d.channel.Close()

		for _, completion := range d.takeAllPending() {
			completion(wire.ResultAborted, nil)
		}
		if d.tracker != nil {
			d.tracker.Abandon()
		}
		if d.registry != nil {
			d.registry.Abandon()
		}

		if errors.Is(cause, channel.ErrClosed) {
			d.logger.Info("channel closed")
		} else {
			d.logger.Warn("channel failed", "error", cause)
		}
	})
}
