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

// readAheadBytes is the floor on a wire body request. Small reads
// fetch ahead so a run of them costs one round trip, not one each.
const readAheadBytes = 4 << 10

// LoaderClient drives the URL loader group: the host performs the
// request and streams the body back, pushing ahead of reads to hide
// round-trip latency.
type LoaderClient struct {
	plugin *Plugin
}

var _ dispatch.Proxy = (*LoaderClient)(nil)

// pendingRead is the one read a loader may have waiting on arrival.
type pendingRead struct {
	n    int32
	done func(result wire.Result, data []byte)
}

// loaderResource is the plugin-side stand-in for one URL request. It
// buffers body bytes that arrive ahead of reads.
type loaderResource struct {
	id wire.ResourceID

	mu      sync.Mutex
	buf     []byte
	eof     bool
	closed  bool
	pending *pendingRead
}

func (r *loaderResource) Identity() wire.ResourceID { return r.id }

// Close runs on the tracker's release path: a loader released
// mid-read fires the read with ResultAborted.
func (r *loaderResource) Close() error {
	r.mu.Lock()
	r.closed = true
	pending := r.takePendingLocked()
	r.mu.Unlock()

	if pending != nil {
		pending.done(wire.ResultAborted, nil)
	}
	return nil
}

func (r *loaderResource) takePendingLocked() *pendingRead {
	pending := r.pending
	r.pending = nil
	return pending
}

// takeLocked removes up to n buffered bytes and returns a copy.
func (r *loaderResource) takeLocked(n int32) []byte {
	take := int(n)
	if take > len(r.buf) {
		take = len(r.buf)
	}
	if take == 0 {
		return nil
	}
	data := make([]byte, take)
	copy(data, r.buf)
	r.buf = r.buf[take:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return data
}

// satisfyLocked pairs a waiting read with arrived bytes. Any arrival
// wakes the reader: it receives min(n, buffered) bytes, or zero at
// end of body. The surplus stays buffered.
func (r *loaderResource) satisfyLocked() func() {
	if r.pending == nil {
		return nil
	}
	if len(r.buf) == 0 && !r.eof {
		return nil
	}
	pending := r.takePendingLocked()
	data := r.takeLocked(pending.n)
	return func() { pending.done(wire.Result(len(data)), data) }
}

// arrive appends body bytes, marks end of body, and wakes a waiting
// read.
func (r *loaderResource) arrive(data []byte, eof bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(data) > 0 {
		r.buf = append(r.buf, data...)
	}
	if eof {
		r.eof = true
	}
	fire := r.satisfyLocked()
	r.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// fail fires the waiting read, if any, with an error result.
func (r *loaderResource) fail(result wire.Result) {
	r.mu.Lock()
	pending := r.takePendingLocked()
	r.mu.Unlock()

	if pending != nil {
		pending.done(result, nil)
	}
}

// Create asks the host for a loader session and returns its handle.
// Blocks for the round trip.
func (c *LoaderClient) Create(ctx context.Context, instance wire.InstanceID) (track.Handle, error) {
	msg, err := wire.New(wire.GroupLoader, wire.KindLoaderCreate, wire.LoaderCreate{
		Instance: instance,
	})
	if err != nil {
		return 0, err
	}
	reply, handles, err := c.plugin.dispatcher.SyncCall(ctx, msg, nil)
	if err != nil {
		return 0, err
	}
	transit.CloseAll(handles)
	payload, err := wire.DecodePayload[wire.LoaderCreateReply](reply)
	if err != nil {
		return 0, err
	}
	if payload.Resource.IsZero() {
		return 0, fmt.Errorf("proxy: host created no loader")
	}
	return c.plugin.adopt(&loaderResource{id: payload.Resource}), nil
}

// Open starts the request. done fires exactly once, on the serve
// goroutine: ResultOK with the response status once headers arrive,
// an error result, or ResultAborted if the resource is released or
// the channel dies first. done must not block and must not issue
// synchronous calls.
func (c *LoaderClient) Open(handle track.Handle, url, method string, body []byte, done func(result wire.Result, statusCode int32)) error {
	loader, err := c.resource(handle)
	if err != nil {
		return err
	}
	msg, err := wire.New(wire.GroupLoader, wire.KindLoaderOpen, wire.LoaderOpen{
		Resource: loader.id,
		URL:      url,
		Method:   method,
		Body:     body,
	})
	if err != nil {
		return err
	}
	c.plugin.dispatcher.SendAsync(loader.id, msg, func(result wire.Result, ack *wire.Message) {
		if ack == nil || result != wire.ResultOK {
			done(result, 0)
			return
		}
		payload, err := wire.DecodePayload[wire.LoaderOpenDone](ack)
		if err != nil {
			c.plugin.logger.Warn("malformed open completion", "resource", loader.id, "error", err)
			done(wire.ResultFailed, 0)
			return
		}
		done(result, payload.StatusCode)
	})
	return nil
}

// Read hands up to n body bytes to done. Bytes already buffered by
// read-ahead or pushes satisfy the read synchronously on the calling
// goroutine with no round trip. Otherwise a wire request sized at
// least readAheadBytes goes out and done fires later, on the serve
// goroutine, as soon as anything arrives: it receives the byte count
// and the bytes, zero meaning end of body, or a negative result. One
// read at a time; a second read while one waits fails with
// [ErrInProgress].
func (c *LoaderClient) Read(handle track.Handle, n int32, done func(result wire.Result, data []byte)) error {
	if n <= 0 {
		return fmt.Errorf("proxy: read size %d must be positive", n)
	}
	loader, err := c.resource(handle)
	if err != nil {
		return err
	}

	loader.mu.Lock()
	if loader.closed {
		loader.mu.Unlock()
		return fmt.Errorf("proxy: loader %v is closed", loader.id)
	}
	if loader.pending != nil {
		loader.mu.Unlock()
		return fmt.Errorf("%w: read on %v", ErrInProgress, loader.id)
	}
	if int32(len(loader.buf)) >= n || loader.eof {
		data := loader.takeLocked(n)
		loader.mu.Unlock()
		done(wire.Result(len(data)), data)
		return nil
	}
	loader.pending = &pendingRead{n: n, done: done}
	loader.mu.Unlock()

	request := n
	if request < readAheadBytes {
		request = readAheadBytes
	}
	msg, err := wire.New(wire.GroupLoader, wire.KindLoaderReadBody, wire.LoaderReadBody{
		Resource: loader.id,
		MaxBytes: request,
	})
	if err != nil {
		loader.mu.Lock()
		loader.takePendingLocked()
		loader.mu.Unlock()
		return err
	}
	c.plugin.dispatcher.SendAsync(loader.id, msg, func(result wire.Result, ack *wire.Message) {
		if ack == nil {
			loader.fail(result)
			return
		}
		payload, err := wire.DecodePayload[wire.LoaderReadDone](ack)
		if err != nil {
			c.plugin.logger.Warn("malformed read completion", "resource", loader.id, "error", err)
			loader.fail(wire.ResultFailed)
			return
		}
		if payload.Result < 0 {
			loader.fail(payload.Result)
			return
		}
		loader.arrive(payload.Data, len(payload.Data) == 0)
	})
	return nil
}

// Close abandons the request: a waiting read fires with
// ResultAborted, later reads fail, and the host cancels its side.
// Close does not release the handle.
func (c *LoaderClient) Close(handle track.Handle) error {
	loader, err := c.resource(handle)
	if err != nil {
		return err
	}

	loader.mu.Lock()
	if loader.closed {
		loader.mu.Unlock()
		return nil
	}
	loader.closed = true
	pending := loader.takePendingLocked()
	loader.mu.Unlock()

	if pending != nil {
		pending.done(wire.ResultAborted, nil)
	}

	msg, err := wire.New(wire.GroupLoader, wire.KindLoaderClose, wire.LoaderClose{
		Resource: loader.id,
	})
	if err != nil {
		return err
	}
	return c.plugin.dispatcher.Send(msg, nil)
}

func (c *LoaderClient) resource(handle track.Handle) (*loaderResource, error) {
	resource, ok := c.plugin.tracker.Get(handle)
	if !ok {
		return nil, fmt.Errorf("proxy: unknown handle %d", handle)
	}
	loader, ok := resource.(*loaderResource)
	if !ok {
		return nil, fmt.Errorf("proxy: handle %d is not a loader", handle)
	}
	return loader, nil
}

// Handle routes open and read completions to their pending records
// and buffers unsolicited body pushes.
func (c *LoaderClient) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	switch msg.Kind {
	case wire.KindLoaderOpenDone:
		payload, err := wire.DecodePayload[wire.LoaderOpenDone](msg)
		if err != nil {
			return fmt.Errorf("proxy: decoding open completion: %w", err)
		}
		c.complete(payload.Resource, wire.KindLoaderOpen, payload.Seq, payload.Result, msg)
		return nil

	case wire.KindLoaderReadDone:
		payload, err := wire.DecodePayload[wire.LoaderReadDone](msg)
		if err != nil {
			return fmt.Errorf("proxy: decoding read completion: %w", err)
		}
		c.complete(payload.Resource, wire.KindLoaderReadBody, payload.Seq, payload.Result, msg)
		return nil

	case wire.KindLoaderBodyPush:
		payload, err := wire.DecodePayload[wire.LoaderBodyPush](msg)
		if err != nil {
			return fmt.Errorf("proxy: decoding body push: %w", err)
		}
		c.push(payload)
		return nil

	default:
		return fmt.Errorf("proxy: unexpected loader message kind %v", msg.Kind)
	}
}

func (c *LoaderClient) complete(resource wire.ResourceID, kind wire.Kind, seq uint64, result wire.Result, msg *wire.Message) {
	completion, ok := c.plugin.dispatcher.TakePending(resource, kind, seq)
	if !ok {
		c.plugin.logger.Debug("dropping stale loader completion",
			"resource", resource, "seq", seq)
		return
	}
	completion(result, msg)
}

// push buffers pushed body bytes for a loader the tracker still
// knows. A push for a released loader is stale and dropped.
func (c *LoaderClient) push(payload wire.LoaderBodyPush) {
	handle, ok := c.plugin.tracker.LookupByIdentity(payload.Resource)
	if !ok {
		c.plugin.logger.Debug("dropping push for unknown loader", "resource", payload.Resource)
		return
	}
	resource, ok := c.plugin.tracker.Get(handle)
	if !ok {
		return
	}
	loader, ok := resource.(*loaderResource)
	if !ok {
		c.plugin.logger.Warn("push for non-loader resource", "resource", payload.Resource)
		return
	}
	loader.arrive(payload.Data, payload.Done)
}

// loaderSink forwards backend pushes onto the wire. The identity is
// bound after registration; the backend contract (no push before its
// Open runs) keeps the unbound window unobservable.
type loaderSink struct {
	host *Host
	id   wire.ResourceID
}

func (s *loaderSink) push(data []byte, done bool) {
	msg, err := wire.New(wire.GroupLoader, wire.KindLoaderBodyPush, wire.LoaderBodyPush{
		Resource: s.id,
		Data:     data,
		Done:     done,
	})
	if err != nil {
		s.host.logger.Warn("encoding body push", "resource", s.id, "error", err)
		return
	}
	if err := s.host.dispatcher.Send(msg, nil); err != nil {
		s.host.logger.Debug("body push not sent", "resource", s.id, "error", err)
	}
}

// hostLoader serves loader requests against the embedder's
// [LoaderBackend].
type hostLoader struct {
	host *Host
}

var _ dispatch.Proxy = (*hostLoader)(nil)

func (l *hostLoader) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	switch msg.Kind {
	case wire.KindLoaderCreate:
		return l.create(msg)
	case wire.KindLoaderOpen:
		return l.open(msg)
	case wire.KindLoaderReadBody:
		return l.read(msg)
	case wire.KindLoaderClose:
		return l.close(msg)
	default:
		return fmt.Errorf("proxy: unexpected loader message kind %v", msg.Kind)
	}
}

func (l *hostLoader) create(msg *wire.Message) error {
	if err := requireSync(msg); err != nil {
		return err
	}
	req, err := wire.DecodePayload[wire.LoaderCreate](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding loader create: %w", err)
	}
	sink := &loaderSink{host: l.host}
	session, err := l.host.backends.Loader.NewLoader(req.Instance, sink.push)
	if err != nil {
		l.host.logger.Warn("loader creation failed", "instance", req.Instance, "error", err)
		return l.host.dispatcher.ReplyError(msg, creationResult(err))
	}
	sink.id = l.host.registry.Register(req.Instance, session)
	return l.host.dispatcher.Reply(msg, wire.LoaderCreateReply{Resource: sink.id}, nil)
}

func (l *hostLoader) open(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.LoaderOpen](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding loader open: %w", err)
	}
	session, ok := track.Lookup[Loader](l.host.registry, req.Resource)
	if !ok {
		return l.host.sendLoaderOpenDone(req.Resource, msg.Seq, wire.ResultBadResource, 0)
	}
	resource, seq := req.Resource, msg.Seq
	session.Open(req.URL, req.Method, req.Body, func(result wire.Result, statusCode int32) {
		if err := l.host.sendLoaderOpenDone(resource, seq, result, statusCode); err != nil {
			l.host.logger.Debug("open completion not sent", "resource", resource, "error", err)
		}
	})
	return nil
}

func (l *hostLoader) read(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.LoaderReadBody](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding body read: %w", err)
	}
	session, ok := track.Lookup[Loader](l.host.registry, req.Resource)
	if !ok {
		return l.host.sendLoaderReadDone(req.Resource, msg.Seq, wire.ResultBadResource, nil)
	}
	resource, seq := req.Resource, msg.Seq
	session.Read(req.MaxBytes, func(result wire.Result, data []byte) {
		if result >= 0 {
			result = wire.Result(len(data))
		} else {
			data = nil
		}
		if err := l.host.sendLoaderReadDone(resource, seq, result, data); err != nil {
			l.host.logger.Debug("read completion not sent", "resource", resource, "error", err)
		}
	})
	return nil
}

func (l *hostLoader) close(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.LoaderClose](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding loader close: %w", err)
	}
	session, ok := track.Lookup[Loader](l.host.registry, req.Resource)
	if !ok {
		l.host.logger.Debug("close of unknown loader", "resource", req.Resource)
		return nil
	}
	session.Cancel()
	return nil
}

func (h *Host) sendLoaderOpenDone(resource wire.ResourceID, seq uint64, result wire.Result, statusCode int32) error {
	msg, err := wire.New(wire.GroupLoader, wire.KindLoaderOpenDone, wire.LoaderOpenDone{
		Resource:   resource,
		Seq:        seq,
		Result:     result,
		StatusCode: statusCode,
	})
	if err != nil {
		return err
	}
	return h.dispatcher.Send(msg, nil)
}

func (h *Host) sendLoaderReadDone(resource wire.ResourceID, seq uint64, result wire.Result, data []byte) error {
	msg, err := wire.New(wire.GroupLoader, wire.KindLoaderReadDone, wire.LoaderReadDone{
		Resource: resource,
		Seq:      seq,
		Result:   result,
		Data:     data,
	})
	if err != nil {
		return err
	}
	return h.dispatcher.Send(msg, nil)
}
